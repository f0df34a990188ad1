// Package compute defines the data-parallel dispatch primitive used by every
// per-voxel stage, and a multi-core CPU implementation of it.
//
// A stage never loops over voxels itself. It hands a Kernel covering a half-open
// voxel range to a Backend, which decides how to split and schedule the range.
// Accelerator backends satisfy the same interface; the engine only ever sees flat
// buffers and an error.
package compute

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kernel processes voxels in [lo, hi). It must not depend on results of other
// voxels produced in the same dispatch.
type Kernel func(lo, hi int) error

// Backend executes element-wise or neighbourhood operations over a voxel range.
type Backend interface {
	// Run executes kernel over [0, n). It returns once every range has completed.
	Run(ctx context.Context, op string, n int, kernel Kernel) error

	// LastError reports the error of the most recent failed operation, or nil.
	LastError() error
}

// ErrNoWork is returned when a dispatch is issued over an empty range.
var ErrNoWork = errors.New("compute: empty voxel range")

// OpError records which operation failed on which range.
type OpError struct {
	Op     string
	Lo, Hi int
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("compute: %s [%d,%d): %v", e.Op, e.Lo, e.Hi, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// CPU dispatches kernels onto a bounded pool of goroutines.
type CPU struct {
	workers int

	// chunksPerWorker controls how finely a range is split to balance load
	chunksPerWorker int

	mu   sync.Mutex
	last error
}

// NewCPU creates a CPU backend. Non-positive workers means runtime.NumCPU().
func NewCPU(workers int) *CPU {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &CPU{workers: workers, chunksPerWorker: 4}
}

// Workers returns the size of the goroutine pool
func (c *CPU) Workers() int {
	return c.workers
}

// Run splits [0, n) into contiguous chunks and processes them concurrently.
func (c *CPU) Run(ctx context.Context, op string, n int, kernel Kernel) error {
	if n <= 0 {
		return c.record(&OpError{Op: op, Err: ErrNoWork})
	}

	chunks := c.workers * c.chunksPerWorker
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks

	// Single chunk: no goroutine overhead
	if chunks == 1 || c.workers == 1 {
		if err := ctx.Err(); err != nil {
			return c.record(&OpError{Op: op, Lo: 0, Hi: n, Err: err})
		}
		if err := kernel(0, n); err != nil {
			return c.record(&OpError{Op: op, Lo: 0, Hi: n, Err: err})
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		lo := lo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &OpError{Op: op, Lo: lo, Hi: hi, Err: err}
			}
			if err := kernel(lo, hi); err != nil {
				return &OpError{Op: op, Lo: lo, Hi: hi, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return c.record(err)
	}
	return nil
}

// LastError returns the error of the most recent failed Run.
func (c *CPU) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *CPU) record(err error) error {
	c.mu.Lock()
	c.last = err
	c.mu.Unlock()
	return err
}
