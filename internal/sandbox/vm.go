package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// State is a VM lifecycle state.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateValidated
	StateInstantiated
	StateExecuted
	StateLoadFailed
	StateValidateFailed
	StateInstantiateFailed
	StateRunFailed
)

var stateNames = [...]string{
	StateCreated:           "created",
	StateLoaded:            "loaded",
	StateValidated:         "validated",
	StateInstantiated:      "instantiated",
	StateExecuted:          "executed",
	StateLoadFailed:        "load_failed",
	StateValidateFailed:    "validate_failed",
	StateInstantiateFailed: "instantiate_failed",
	StateRunFailed:         "run_failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateExecuted
}

// ErrInvalidTransition is returned when a lifecycle step is called out of order.
var ErrInvalidTransition = errors.New("invalid state transition")

// RunResult is the shaped output of a successful run.
type RunResult struct {
	Output       json.RawMessage
	OutputKind   string
	ReturnValues []uint64
	MemoryUsed   *uint64
}

// VM owns one module instance and the runtime it lives in. Each step runs at
// most once and only from the state before it.
type VM struct {
	cfg   Config
	state State

	raw      *RawModule
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module

	stdout *boundedBuffer
	stderr *boundedBuffer
}

// NewVM creates a VM in StateCreated.
func NewVM(cfg Config) *VM {
	return &VM{
		cfg:    cfg,
		stdout: newBoundedBuffer(cfg.MaxOutputBytes),
		stderr: newBoundedBuffer(cfg.MaxOutputBytes),
	}
}

func (vm *VM) State() State { return vm.state }

// Module returns the loaded module, or nil before Load succeeds.
func (vm *VM) Module() *RawModule { return vm.raw }

func (vm *VM) expect(op string, from State) error {
	if vm.state != from {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, vm.state)
	}
	return nil
}

func (vm *VM) Load(b []byte) error {
	if err := vm.expect("load", StateCreated); err != nil {
		return err
	}
	raw, err := Load(b)
	if err != nil {
		vm.state = StateLoadFailed
		return err
	}
	vm.raw = raw
	vm.state = StateLoaded
	return nil
}

// Validate checks section order and compiles the module, which decodes and
// type checks every section.
func (vm *VM) Validate(ctx context.Context) error {
	if err := vm.expect("validate", StateLoaded); err != nil {
		return err
	}
	if err := checkSectionOrder(vm.raw.Sections); err != nil {
		vm.state = StateValidateFailed
		return NewError(StageValidate, err)
	}

	vm.rt = wazero.NewRuntimeWithConfig(ctx, vm.cfg.runtimeConfig())
	compiled, err := vm.rt.CompileModule(ctx, vm.raw.Bytes)
	if err != nil {
		vm.state = StateValidateFailed
		return NewError(StageValidate, err)
	}
	vm.compiled = compiled
	vm.state = StateValidated
	return nil
}

// Instantiate binds host capabilities and instantiates the module with stdin
// as its standard input. ctx must carry the call deadline, since a start
// section runs here.
func (vm *VM) Instantiate(ctx context.Context, stdin []byte) error {
	if err := vm.expect("instantiate", StateValidated); err != nil {
		return err
	}
	if err := vm.cfg.bindCapabilities(ctx, vm.rt); err != nil {
		vm.state = StateInstantiateFailed
		return NewError(StageInstantiate, err)
	}
	mod, err := vm.rt.InstantiateModule(ctx, vm.compiled, vm.cfg.moduleConfig(stdin, vm.stdout, vm.stderr))
	if err != nil {
		vm.state = StateInstantiateFailed
		if se := classify(err); se != nil && se.Kind == KindTimeout {
			return NewError(StageInstantiate, fmt.Errorf("start function: %w", ErrTimeout))
		}
		return NewError(StageInstantiate, err)
	}
	vm.mod = mod
	vm.state = StateInstantiated
	return nil
}

// Run invokes the export name under the supervisor. On timeout the runtime
// is closed before Run returns.
func (vm *VM) Run(ctx context.Context, name string, abi ABI, input json.RawMessage) (*RunResult, error) {
	if err := vm.expect("run", StateInstantiated); err != nil {
		return nil, err
	}
	res, rerr := vm.run(ctx, name, abi, input)
	if rerr != nil {
		vm.state = StateRunFailed
		if rerr.Kind == KindTimeout {
			_ = vm.teardown(context.WithoutCancel(ctx))
		}
		return nil, rerr
	}
	vm.state = StateExecuted
	return res, nil
}

func (vm *VM) run(ctx context.Context, name string, abi ABI, input json.RawMessage) (*RunResult, *Error) {
	fn := vm.mod.ExportedFunction(name)
	if fn == nil {
		return nil, runError(KindNoSuchFunction, errors.New(name))
	}
	conv, err := resolveConvention(abi, vm.mod, fn)
	if err != nil {
		return nil, classify(err)
	}

	var init api.Function
	if name != initExport {
		init = vm.mod.ExportedFunction(initExport)
	}
	stdout := vm.stdout
	inv, rerr := supervise(ctx, func(ctx context.Context) (invocation, error) {
		if init != nil {
			if _, _, err := callGuest(ctx, init); err != nil {
				return invocation{}, err
			}
		}
		return conv.invoke(ctx, input, stdout)
	})
	if rerr != nil {
		return nil, rerr
	}

	out, kind, rerr := shape(conv.abi, inv, input, vm.cfg.MaxOutputBytes, vm.stdout.overflow)
	if rerr != nil {
		return nil, rerr
	}
	res := &RunResult{Output: out, OutputKind: kind}
	if kind == OutputEcho && len(inv.values) > 0 {
		res.ReturnValues = inv.values
	}
	if vm.hasMemory() {
		used := uint64(vm.mod.Memory().Size())
		res.MemoryUsed = &used
	}
	return res, nil
}

// hasMemory reports whether the module defines or imports a linear memory.
// Module.Memory is not nil-comparable for memoryless modules.
func (vm *VM) hasMemory() bool {
	if len(vm.compiled.ImportedMemories()) > 0 {
		return true
	}
	for _, s := range vm.raw.Sections {
		if s.ID == sectionMemory {
			return true
		}
	}
	return false
}

// Stderr returns what the guest wrote to stderr, truncated to the output cap.
func (vm *VM) Stderr() []byte { return vm.stderr.Bytes() }

// Close releases the runtime. It is safe to call in any state and more than once.
func (vm *VM) Close(ctx context.Context) error {
	return vm.teardown(ctx)
}

func (vm *VM) teardown(ctx context.Context) error {
	if vm.rt == nil {
		return nil
	}
	rt := vm.rt
	vm.rt, vm.compiled, vm.mod = nil, nil, nil
	return rt.Close(ctx)
}
