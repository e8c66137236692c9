package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
)

// Engine is a single-caller face encoder process.
type Engine interface {
	Encode(ctx context.Context, img image.Image) ([]types.Face, error)
	Broken() bool
	Close() error
}

// Factory starts engine number id.
type Factory func(ctx context.Context, id int) (Engine, error)

// Pool shares a fixed set of engines between concurrent callers. Each engine
// serves one frame at a time; broken engines are replaced on return.
type Pool struct {
	ctx     context.Context
	factory Factory
	idle    chan Engine
	logger  *slog.Logger

	mu     sync.Mutex
	alive  int
	nextID int
	dead   chan struct{}
	closed bool
}

// NewPool starts size engines. If any fails to start, the ones already
// running are closed.
func NewPool(ctx context.Context, size int, factory Factory, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ctx:     ctx,
		factory: factory,
		idle:    make(chan Engine, size),
		logger:  logger,
		dead:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		e, err := factory(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("engine %d: %w", i, err)
		}
		p.alive++
		p.idle <- e
	}
	p.nextID = size
	return p, nil
}

// NewPythonPool is NewPool over Python workers.
func NewPythonPool(ctx context.Context, size int, cfg Config, logger *slog.Logger) (*Pool, error) {
	return NewPool(ctx, size, func(ctx context.Context, id int) (Engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	}, logger)
}

// Encode borrows an engine for one frame. It implements extractor.Encoder.
func (p *Pool) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	var e Engine
	select {
	case e = <-p.idle:
	case <-p.dead:
		return nil, errors.New("no face engines left running")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	faces, err := e.Encode(ctx, img)
	p.release(e)
	return faces, err
}

func (p *Pool) release(e Engine) {
	if !e.Broken() {
		p.idle <- e
		return
	}

	if err := e.Close(); err != nil {
		p.logger.Debug("closing broken engine", "err", err)
	}
	// Close has waited for the process, so its stderr is complete.
	if pw, ok := e.(*PythonWorker); ok && pw.Cmd != nil {
		utils.ShowError(fmt.Sprintf("Face engine %d crashed", pw.ID), nil, pw.Cmd)
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	// Replacements live as long as the pool, not the call that broke the engine.
	fresh, err := p.factory(p.ctx, id)
	if err == nil {
		p.logger.Warn("restarted face engine", "id", id)
		p.idle <- fresh
		return
	}

	p.logger.Error("face engine restart failed", "id", id, "err", err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive--
	if p.alive == 0 && !p.closed {
		close(p.dead)
	}
}

// Close stops every idle engine. Callers must have returned from Encode.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	n := p.alive
	p.mu.Unlock()

	var errs []error
	for i := 0; i < n && len(p.idle) > 0; i++ {
		if err := (<-p.idle).Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
