package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/sys"
)

type callResult struct {
	inv invocation
	err error
}

// supervise runs call in its own goroutine and waits for it or for ctx to
// end, whichever comes first. When ctx wins the call is abandoned: its result
// lands in a buffered channel nobody reads, and the caller must tear the
// runtime down.
func supervise(ctx context.Context, call func(context.Context) (invocation, error)) (invocation, *Error) {
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: runError(KindTrap, fmt.Errorf("panic: %v", r))}
			}
		}()
		inv, err := call(ctx)
		done <- callResult{inv: inv, err: err}
	}()

	select {
	case res := <-done:
		return res.inv, classify(res.err)
	case <-ctx.Done():
		// The guest may have finished in the same instant.
		select {
		case res := <-done:
			return res.inv, classify(res.err)
		default:
		}
		return invocation{}, runError(KindTimeout, ErrTimeout)
	}
}

// classify maps an error from a guest call to a RunError. A nil error and a
// clean proc_exit(0) both map to nil.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch code := exit.ExitCode(); code {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return runError(KindTimeout, ErrTimeout)
		default:
			return runError(KindExit, fmt.Errorf("exit code %d", code))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return runError(KindTimeout, ErrTimeout)
	}
	return runError(KindTrap, err)
}
