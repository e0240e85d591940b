// Package resource provides process-wide resource accounting: a memory
// budget for index growth, a concurrency cap for background maintenance, and
// an IO throughput cap for snapshot writes.
package resource

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryExhausted is returned when a reservation would exceed the
// configured memory budget. Reservations never block: an insert that cannot
// get memory fails immediately and leaves the structures untouched.
var ErrMemoryExhausted = errors.New("memory budget exhausted")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes caps managed memory. Zero means tracking only.
	MemoryLimitBytes int64

	// MaxBackgroundWorkers caps concurrent maintenance jobs (purge, cluster
	// split/merge). Zero defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec caps snapshot write throughput. Zero means
	// unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// ReserveMemory reserves bytes from the budget without blocking. Returns
// ErrMemoryExhausted when the budget cannot cover the request.
func (c *Controller) ReserveMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return ErrMemoryExhausted
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns bytes to the budget.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireBackground reserves a maintenance slot, blocking until one frees up
// or ctx is done.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a maintenance slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground frees a maintenance slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the given number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// LimitWriter wraps w so that writes respect the IO throughput cap.
func (c *Controller) LimitWriter(ctx context.Context, w io.Writer) io.Writer {
	if c == nil || c.ioLimiter == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, c: c, w: w}
}

type limitedWriter struct {
	ctx context.Context
	c   *Controller
	w   io.Writer
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	// Large buffers are throttled in burst-sized chunks so a single write
	// cannot overshoot the limiter.
	burst := lw.c.ioLimiter.Burst()
	written := 0

	for written < len(p) {
		chunk := len(p) - written
		if chunk > burst {
			chunk = burst
		}
		if err := lw.c.AcquireIO(lw.ctx, chunk); err != nil {
			return written, err
		}

		n, err := lw.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
