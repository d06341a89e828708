// Package worker provides the fixed-size pool that executes URL tasks for
// every job run in the process.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raysh454/kbcrawl/internal/logging"
)

const (
	DefaultPoolSize     = 8
	DefaultDrainTimeout = 30 * time.Second
)

var (
	ErrPoolNotRunning = errors.New("pool is not running")
	ErrPoolRunning    = errors.New("pool is already running")
)

type PoolState int32

const (
	PoolStateStopped PoolState = iota
	PoolStateRunning
	PoolStateDraining
)

func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type Config struct {
	PoolSize     int
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{PoolSize: DefaultPoolSize, DrainTimeout: DefaultDrainTimeout}
}

// Task is one unit of work. It receives no context: callers close over the
// context the task should observe.
type Task func()

// Pool runs Tasks on PoolSize long-lived goroutines. Submit blocks until a
// worker takes the task, which gives callers natural backpressure.
type Pool struct {
	cfg    Config
	logger logging.Logger
	tasks  chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	state  atomic.Int32

	busy      atomic.Int64
	processed atomic.Int64
	panicked  atomic.Int64
}

func NewPool(cfg Config, logger logging.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "worker_pool"}),
	}
}

// Start launches the workers. A stopped pool may be started again.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(PoolStateStopped), int32(PoolStateRunning)) {
		return ErrPoolRunning
	}
	p.tasks = make(chan Task)
	p.stopCh = make(chan struct{})
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.work(p.tasks, p.stopCh)
	}
	p.logger.Info("worker pool started", logging.Field{Key: "pool_size", Value: p.cfg.PoolSize})
	return nil
}

func (p *Pool) work(tasks <-chan Task, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case task := <-tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		p.processed.Add(1)
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", logging.Field{Key: "panic", Value: r})
		}
	}()
	task()
}

// Submit hands task to a free worker, waiting for one if all are busy.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	tasks, stop := p.tasks, p.stopCh
	running := p.State() == PoolStateRunning
	p.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}

	select {
	case tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrPoolNotRunning
	}
}

// Stop stops accepting tasks and waits for running ones, up to ctx or the
// drain timeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(PoolStateRunning), int32(PoolStateDraining)) {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("worker pool stop timed out")
	case <-time.After(p.cfg.DrainTimeout):
		err = context.DeadlineExceeded
		p.logger.Warn("worker pool drain timeout exceeded")
	}
	p.state.Store(int32(PoolStateStopped))
	return err
}

func (p *Pool) State() PoolState { return PoolState(p.state.Load()) }

func (p *Pool) Size() int { return p.cfg.PoolSize }

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	State     PoolState
	PoolSize  int
	Busy      int64
	Processed int64
	Panicked  int64
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		State:     p.State(),
		PoolSize:  p.cfg.PoolSize,
		Busy:      p.busy.Load(),
		Processed: p.processed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
