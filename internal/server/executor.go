package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/wasmbox/internal/metrics"
	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/storage"
	"github.com/michaelbrown/wasmbox/internal/tracing"
)

// Executor runs requests through a Sandbox with at most a fixed number in
// flight, then records metrics and the audit trail. Every transport goes
// through it.
type Executor struct {
	sandbox  sandbox.Sandbox
	policy   sandbox.Policy
	sem      *semaphore.Weighted
	inflight *Inflight
	metrics  *metrics.Metrics
	store    storage.Store
	logger   *zap.Logger
	tracer   trace.Tracer
}

type ExecutorOption func(*Executor)

// WithMetrics records every outcome in m.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithStore saves an audit record for every outcome.
func WithStore(s storage.Store) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor allows maxConcurrent executions at once. Values below one
// are treated as one.
func NewExecutor(sb sandbox.Sandbox, policy sandbox.Policy, maxConcurrent int64, opts ...ExecutorOption) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	e := &Executor{
		sandbox:  sb,
		policy:   policy,
		sem:      semaphore.NewWeighted(maxConcurrent),
		inflight: NewInflight(),
		logger:   zap.NewNop(),
		tracer:   tracing.Tracer("github.com/michaelbrown/wasmbox/internal/server"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Inflight returns the tracker of running executions.
func (e *Executor) Inflight() *Inflight { return e.inflight }

func (e *Executor) Policy() sandbox.Policy { return e.policy }

// Run waits for a free slot and executes req. The only error is ctx ending
// while waiting; once started, the call runs to its own deadline.
func (e *Executor) Run(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return sandbox.Outcome{}, fmt.Errorf("waiting for execution slot: %w", err)
	}
	defer e.sem.Release(1)

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	started := time.Now()
	e.inflight.Begin(Running{
		ID:         req.ID,
		Function:   functionName(req),
		ModuleSize: len(req.Module),
		Started:    started,
		Deadline:   started.Add(e.policy.Timeout(req)),
	})
	if e.metrics != nil {
		e.metrics.Inflight.Inc()
	}

	ctx, span := e.tracer.Start(ctx, "wasmbox.execute")
	o := e.sandbox.Execute(ctx, req)
	span.SetAttributes(o.Attributes()...)
	if o.Err != nil {
		span.SetStatus(codes.Error, o.Err.Error())
	}
	span.End()

	e.inflight.End(req.ID)
	if e.metrics != nil {
		e.metrics.Inflight.Dec()
		e.metrics.RecordExecution(o)
	}
	e.save(ctx, o)
	return o, nil
}

// RecordDecodeFailure accounts for a request that never reached the sandbox.
func (e *Executor) RecordDecodeFailure(id string, err error) {
	o := sandbox.Outcome{ID: id, Err: sandbox.NewError(sandbox.StageDecode, err)}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(o.Stage()).Inc()
	}
	e.save(context.Background(), o)
}

func (e *Executor) save(ctx context.Context, o sandbox.Outcome) {
	if e.store == nil {
		return
	}
	// The client may be gone; the audit row is still written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.SaveExecution(ctx, storage.RecordFromOutcome(o)); err != nil {
		e.logger.Warn("failed to save execution", zap.String("execution_id", o.ID), zap.Error(err))
	}
}

func functionName(req sandbox.Request) string {
	if req.FunctionName == "" {
		return sandbox.DefaultFunction
	}
	return req.FunctionName
}
