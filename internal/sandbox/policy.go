package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// PageSize is the WebAssembly linear memory page size.
	PageSize = 65536

	// maxPages is the wasm32 address space in pages (4 GiB).
	maxPages = 65536

	programName = "wasmbox"
)

// Policy defines the service-wide resource limits for sandbox execution.
// It is read-only once the service starts.
type Policy struct {
	DefaultMemoryLimit uint64        // bytes
	MaxMemoryLimit     uint64        // bytes
	DefaultTimeout     time.Duration // applied when a call gives none
	MaxTimeout         time.Duration
	WASI               bool // expose wasi_snapshot_preview1
	Realtime           bool // real wall clock instead of a frozen one
	Interpreter        bool // interpreter engine instead of the compiler
	MaxOutputBytes     int
}

// DefaultPolicy returns safe defaults for module execution.
func DefaultPolicy() Policy {
	return Policy{
		DefaultMemoryLimit: 128 << 20,
		MaxMemoryLimit:     1 << 30,
		DefaultTimeout:     30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		WASI:               true,
		Realtime:           false,
		Interpreter:        false,
		MaxOutputBytes:     1 << 20,
	}
}

// Config is the sandbox configuration of a single call. It is built fresh for
// every call and never shared.
type Config struct {
	MemoryPages    uint32
	Timeout        time.Duration
	WASI           bool
	Realtime       bool
	Interpreter    bool
	MaxOutputBytes int
}

// Build derives the per-call configuration. A zero memoryLimit (bytes) or
// timeoutMS selects the policy default.
func (p Policy) Build(memoryLimit, timeoutMS uint64) (Config, error) {
	if memoryLimit == 0 {
		memoryLimit = p.DefaultMemoryLimit
	}
	if memoryLimit < PageSize {
		return Config{}, NewError(StageConfig, fmt.Errorf("memory_limit %d is below one page (%d bytes)", memoryLimit, PageSize))
	}
	if memoryLimit > p.MaxMemoryLimit {
		return Config{}, NewError(StageConfig, fmt.Errorf("memory_limit %d exceeds maximum %d", memoryLimit, p.MaxMemoryLimit))
	}
	pages := memoryLimit / PageSize
	if pages > maxPages {
		return Config{}, NewError(StageConfig, fmt.Errorf("memory_limit %d exceeds the 32-bit address space", memoryLimit))
	}

	timeout := p.DefaultTimeout
	if timeoutMS != 0 {
		if timeoutMS > uint64(p.MaxTimeout/time.Millisecond) {
			return Config{}, NewError(StageConfig, fmt.Errorf("timeout %dms exceeds maximum %s", timeoutMS, p.MaxTimeout))
		}
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		return Config{}, NewError(StageConfig, fmt.Errorf("timeout must be positive, got %s", timeout))
	}

	maxOut := p.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultPolicy().MaxOutputBytes
	}

	return Config{
		MemoryPages:    uint32(pages),
		Timeout:        timeout,
		WASI:           p.WASI,
		Realtime:       p.Realtime,
		Interpreter:    p.Interpreter,
		MaxOutputBytes: maxOut,
	}, nil
}

// Timeout is the deadline req would run under. Out-of-range values, which
// Build rejects, report the default.
func (p Policy) Timeout(req Request) time.Duration {
	if req.Timeout == 0 || req.Timeout > uint64(p.MaxTimeout/time.Millisecond) {
		return p.DefaultTimeout
	}
	return time.Duration(req.Timeout) * time.Millisecond
}

// MemoryLimit is the effective ceiling in bytes after page rounding.
func (c Config) MemoryLimit() uint64 {
	return uint64(c.MemoryPages) * PageSize
}

func (c Config) runtimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if c.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	return rc.
		WithMemoryLimitPages(c.MemoryPages).
		WithCloseOnContextDone(true)
}

// bindCapabilities registers every host module a guest may import. Anything
// not registered here is unresolvable.
func (c Config) bindCapabilities(ctx context.Context, rt wazero.Runtime) error {
	if !c.WASI {
		return nil
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("binding wasi: %w", err)
	}
	return nil
}

// moduleConfig has no filesystem, env or start functions. The engine still
// runs a module's start section.
func (c Config) moduleConfig(stdin []byte, stdout, stderr *boundedBuffer) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs(programName).
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(stdout).
		WithStderr(stderr)
	if c.Realtime {
		mc = mc.WithSysWalltime().WithSysNanotime()
	}
	return mc
}

// boundedBuffer keeps at most limit bytes and remembers whether more were
// written. Writes never fail so the guest cannot observe the cap.
type boundedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }
