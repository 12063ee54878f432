// Package service provides the start/stop lifecycle shared by the long
// running pieces of a cellchain node (engine, transports, rpc server).
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/cellchain/cellchain/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to start or stop an
	// already stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped once.
type Service interface {
	// Start is called to start the service, which should run until the
	// context terminates or Stop is called. If the service is already
	// running, Start must report an error.
	Start(context.Context) error

	// Stop cancels the service context and waits for OnStop to return.
	Stop() error

	// IsRunning returns true if the service is running.
	IsRunning() bool

	// String representation of the service.
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the BaseService wraps.
type Implementation interface {
	// OnStart is called by Start. Goroutines spawned here should exit when
	// the given context is canceled.
	OnStart(context.Context) error

	// OnStop is called once the service context is canceled.
	OnStop()
}

/*
BaseService implements the bookkeeping of Service. Embed it and call
NewBaseService with the embedding value as the Implementation:

	type Engine struct {
		service.BaseService
		// private fields
	}

	func NewEngine(logger log.Logger) *Engine {
		e := &Engine{}
		e.BaseService = *service.NewBaseService(logger, "Engine", e)
		return e
	}

	func (e *Engine) OnStart(ctx context.Context) error {
		go e.run(ctx)
		return nil
	}

	func (e *Engine) OnStop() {}

The context handed to OnStart is canceled either when the parent context
passed to Start is done, or when Stop is called.
*/
type BaseService struct {
	logger log.Logger
	name   string
	impl   Implementation

	mtx     sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	quit    chan struct{}
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
		quit:   make(chan struct{}),
	}
}

// Start starts the service and calls its OnStart method.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.stopped {
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}
	if bs.started {
		return ErrAlreadyStarted
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(ctx)
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.started = true
	bs.cancel = cancel

	go func() {
		select {
		case <-bs.quit:
			// Stop was called explicitly.
		case <-srvCtx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopped service", "err", err, "service", bs.name)
			}
		}
	}()

	return nil
}

// Stop cancels the service context, calls OnStop and releases waiters.
func (bs *BaseService) Stop() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if !bs.started {
		bs.logger.Error("not stopping service; not started yet", "service", bs.name)
		return ErrNotStarted
	}
	if bs.stopped {
		return ErrAlreadyStopped
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.stopped = true
	bs.cancel()
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning returns true between a successful Start and Stop.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.started && !bs.stopped
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
