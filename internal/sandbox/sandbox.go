// Package sandbox loads, validates, instantiates and runs untrusted
// WebAssembly modules, one fresh VM per call.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultFunction is called when a request names no function.
const DefaultFunction = "main"

// Request describes one execution.
type Request struct {
	ID           string // execution id; generated when empty
	Module       []byte
	Input        json.RawMessage
	FunctionName string
	MemoryLimit  uint64 // bytes, 0 for the policy default
	Timeout      uint64 // milliseconds, 0 for the policy default
	ABI          ABI
}

func (r Request) function() string {
	if r.FunctionName == "" {
		return DefaultFunction
	}
	return r.FunctionName
}

func (r Request) input() json.RawMessage {
	if len(r.Input) == 0 {
		return json.RawMessage("null")
	}
	return r.Input
}

// Sandbox runs modules in isolation.
type Sandbox interface {
	Execute(ctx context.Context, req Request) Outcome
}

// Pipeline is the Sandbox implementation. It holds only read-only state and
// is safe for concurrent use.
type Pipeline struct {
	policy Policy
	logger *zap.Logger
	tracer trace.Tracer
}

var _ Sandbox = (*Pipeline)(nil)

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a pipeline enforcing policy.
func NewPipeline(policy Policy, opts ...Option) *Pipeline {
	p := &Pipeline{
		policy: policy,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/michaelbrown/wasmbox/internal/sandbox"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Policy() Policy { return p.policy }

// Execute runs req to completion and always returns an Outcome. Cancelling
// ctx does not stop the call; only the configured timeout does. That budget
// is shared by instantiation (WASI binding and any start section) and the
// call itself, so a slow start section leaves less time for the function.
func (p *Pipeline) Execute(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	out = Outcome{
		ID:         id,
		Function:   req.function(),
		ModuleSize: len(req.Module),
	}
	stage := StageConfig

	defer func() {
		if r := recover(); r != nil {
			out.Output, out.OutputKind, out.ReturnValues, out.MemoryUsed = nil, "", nil, nil
			out.Err = NewError(stage, fmt.Errorf("internal panic: %v", r))
		}
		out.Elapsed = time.Since(start)
		p.log(out)
	}()

	cfg, err := p.policy.Build(req.MemoryLimit, req.Timeout)
	if err != nil {
		out.Err = asError(StageConfig, err)
		return out
	}

	vm := NewVM(cfg)
	defer vm.Close(ctx)

	stage = StageLoad
	if err := p.span(ctx, "sandbox.load", func(context.Context) error {
		return vm.Load(req.Module)
	}); err != nil {
		out.Err = asError(stage, err)
		return out
	}
	out.Digest = vm.Module().Digest

	stage = StageValidate
	if err := p.span(ctx, "sandbox.validate", vm.Validate); err != nil {
		out.Err = asError(stage, err)
		return out
	}

	// The deadline covers the start section as well as the call.
	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var stdin []byte
	if req.ABI != ABINone {
		stdin = req.input()
	}
	stage = StageInstantiate
	if err := p.span(dctx, "sandbox.instantiate", func(ctx context.Context) error {
		return vm.Instantiate(ctx, stdin)
	}); err != nil {
		out.Err = asError(stage, err)
		return out
	}

	stage = StageRun
	var res *RunResult
	if err := p.span(dctx, "sandbox.run", func(ctx context.Context) error {
		var err error
		res, err = vm.Run(ctx, out.Function, req.ABI, req.input())
		return err
	}); err != nil {
		out.Err = asError(stage, err)
		return out
	}

	out.Output = res.Output
	out.OutputKind = res.OutputKind
	out.ReturnValues = res.ReturnValues
	out.MemoryUsed = res.MemoryUsed
	return out
}

func (p *Pipeline) span(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) log(o Outcome) {
	fields := []zap.Field{
		zap.String("execution_id", o.ID),
		zap.String("function", o.Function),
		zap.String("digest", o.Digest),
		zap.Int("module_size", o.ModuleSize),
		zap.Duration("elapsed", o.Elapsed),
	}
	if o.Err != nil {
		p.logger.Info("execution failed", append(fields, zap.String("stage", string(o.Err.Stage)), zap.Error(o.Err))...)
		return
	}
	if o.MemoryUsed != nil {
		fields = append(fields, zap.Uint64("memory_used", *o.MemoryUsed))
	}
	p.logger.Debug("execution succeeded", append(fields, zap.String("output_kind", o.OutputKind))...)
}

// asError tags an untagged error with stage.
func asError(stage Stage, err error) *Error {
	if se, ok := err.(*Error); ok {
		return se
	}
	return NewError(stage, err)
}

// Attributes describes an outcome for trace spans opened by callers.
func (o Outcome) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("wasmbox.execution_id", o.ID),
		attribute.String("wasmbox.function", o.Function),
		attribute.String("wasmbox.stage", o.Stage()),
		attribute.Int64("wasmbox.elapsed_ms", o.Elapsed.Milliseconds()),
	}
}
