package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// ABI selects how the structured input and output cross the guest boundary.
type ABI string

const (
	// ABIAuto picks memory when the guest matches it and stdio otherwise,
	// echoing the input when the guest writes nothing.
	ABIAuto ABI = "auto"
	// ABIMemory passes JSON through linear memory: the host calls
	// alloc(len) -> ptr, writes the input there and calls the target with
	// (ptr, len). The target returns ptr<<32 | len of its output.
	ABIMemory ABI = "memory"
	// ABIStdio passes the input on stdin and reads the output from stdout.
	ABIStdio ABI = "stdio"
	// ABINone calls the target with no arguments and echoes the input.
	ABINone ABI = "none"
)

// ParseABI accepts the empty string as ABIAuto.
func ParseABI(s string) (ABI, error) {
	switch a := ABI(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ABIAuto, nil
	case ABIAuto, ABIMemory, ABIStdio, ABINone:
		return a, nil
	default:
		return "", fmt.Errorf("unknown abi %q", s)
	}
}

// Output kinds.
const (
	OutputJSON = "json"
	OutputText = "text"
	OutputEcho = "echo"
)

const (
	allocExport  = "alloc"
	memoryExport = "memory"
	initExport   = "_initialize"
)

// invocation is what a guest call produced before shaping.
type invocation struct {
	output []byte
	values []uint64
	// fromStdout is set when output came from the stdout buffer.
	fromStdout bool
	// echo requests the input be returned in place of output.
	echo bool
}

type convention struct {
	abi    ABI
	fn     api.Function
	alloc  api.Function
	memory api.Memory
}

// resolveConvention checks that the target's signature fits abi and returns
// the concrete convention to use.
func resolveConvention(abi ABI, mod api.Module, fn api.Function) (convention, error) {
	def := fn.Definition()
	c := convention{abi: abi, fn: fn}
	switch abi {
	case ABIMemory:
		alloc, mem, ok := memoryExports(mod, def)
		if !ok {
			return c, runError(KindSignatureMismatch, fmt.Errorf(
				"memory abi needs %s(i32, i32) -> i64, %s(i32) -> i32 and an exported memory", def.Name(), allocExport))
		}
		c.alloc, c.memory = alloc, mem
	case ABIStdio, ABINone:
		if n := len(def.ParamTypes()); n != 0 {
			return c, runError(KindSignatureMismatch, fmt.Errorf("%s takes %d parameters, %s abi supplies none", def.Name(), n, abi))
		}
	default:
		if alloc, mem, ok := memoryExports(mod, def); ok {
			c.abi, c.alloc, c.memory = ABIMemory, alloc, mem
			return c, nil
		}
		if n := len(def.ParamTypes()); n != 0 {
			return c, runError(KindSignatureMismatch, fmt.Errorf("cannot supply %d parameters to %s", n, def.Name()))
		}
		c.abi = ABIAuto
	}
	return c, nil
}

func memoryExports(mod api.Module, def api.FunctionDefinition) (api.Function, api.Memory, bool) {
	if !slices.Equal(def.ParamTypes(), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}) ||
		!slices.Equal(def.ResultTypes(), []api.ValueType{api.ValueTypeI64}) {
		return nil, nil, false
	}
	alloc := mod.ExportedFunction(allocExport)
	if alloc == nil {
		return nil, nil, false
	}
	ad := alloc.Definition()
	if !slices.Equal(ad.ParamTypes(), []api.ValueType{api.ValueTypeI32}) ||
		!slices.Equal(ad.ResultTypes(), []api.ValueType{api.ValueTypeI32}) {
		return nil, nil, false
	}
	mem := mod.ExportedMemory(memoryExport)
	if mem == nil {
		return nil, nil, false
	}
	return alloc, mem, true
}

// invoke calls the target. It runs on the supervised goroutine.
func (c convention) invoke(ctx context.Context, input []byte, stdout *boundedBuffer) (invocation, error) {
	switch c.abi {
	case ABIMemory:
		return c.invokeMemory(ctx, input, stdout)
	case ABINone:
		vals, _, err := callGuest(ctx, c.fn)
		if err != nil {
			return invocation{}, err
		}
		return invocation{values: vals, echo: true}, nil
	default:
		vals, _, err := callGuest(ctx, c.fn)
		if err != nil {
			return invocation{}, err
		}
		return invocation{output: stdout.Bytes(), values: vals, fromStdout: true}, nil
	}
}

func (c convention) invokeMemory(ctx context.Context, input []byte, stdout *boundedBuffer) (invocation, error) {
	res, exited, err := callGuest(ctx, c.alloc, uint64(len(input)))
	if err != nil {
		return invocation{}, err
	}
	if exited {
		return invocation{output: stdout.Bytes(), fromStdout: true}, nil
	}
	ptr := api.DecodeU32(res[0])
	if !c.memory.Write(ptr, input) {
		return invocation{}, fmt.Errorf("alloc returned out of range pointer %#x for %d bytes", ptr, len(input))
	}

	vals, exited, err := callGuest(ctx, c.fn, api.EncodeU32(ptr), uint64(len(input)))
	if err != nil {
		return invocation{}, err
	}
	if exited {
		return invocation{output: stdout.Bytes(), fromStdout: true}, nil
	}
	optr, olen := uint32(vals[0]>>32), uint32(vals[0])
	out, ok := c.memory.Read(optr, olen)
	if !ok {
		return invocation{}, runError(KindOutput, fmt.Errorf("result [%#x, +%d) is outside linear memory", optr, olen))
	}
	// Read returns a view into guest memory.
	return invocation{output: slices.Clone(out), values: vals}, nil
}

// callGuest treats proc_exit(0) as a normal return with no values.
func callGuest(ctx context.Context, fn api.Function, params ...uint64) ([]uint64, bool, error) {
	vals, err := fn.Call(ctx, params...)
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return nil, true, nil
		}
		return nil, false, err
	}
	return vals, false, nil
}

// shape turns an invocation into output bytes and an output kind.
func shape(abi ABI, inv invocation, input json.RawMessage, maxOutput int, stdoutOverflow bool) (json.RawMessage, string, *Error) {
	if inv.echo {
		return input, OutputEcho, nil
	}
	if inv.fromStdout && stdoutOverflow {
		return nil, "", runError(KindOutput, fmt.Errorf("stdout exceeds %d bytes", maxOutput))
	}
	if len(inv.output) > maxOutput {
		return nil, "", runError(KindOutput, fmt.Errorf("output of %d bytes exceeds %d bytes", len(inv.output), maxOutput))
	}
	if len(inv.output) == 0 {
		if abi == ABIAuto {
			return input, OutputEcho, nil
		}
		return nil, "", runError(KindOutput, errors.New("guest produced no output"))
	}
	if json.Valid(inv.output) {
		return json.RawMessage(inv.output), OutputJSON, nil
	}
	text, err := json.Marshal(string(inv.output))
	if err != nil {
		return nil, "", runError(KindOutput, err)
	}
	return text, OutputText, nil
}
