package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrNoWorkers is returned once every worker in the pool has died and
// none could be restarted.
var ErrNoWorkers = errors.New("no face workers left")

// Pool shares a fixed set of face workers between sessions. Each Locate call
// checks out one worker, so a worker only ever serves one frame at a time.
// A worker whose pipes fail is closed and replaced, or dropped when the
// replacement cannot start.
type Pool struct {
	idle  chan *FaceWorker
	spawn func(id int) (*FaceWorker, error) // nil disables restarts

	mu    sync.Mutex
	all   map[*FaceWorker]struct{}
	empty chan struct{} // closed when the last worker is dropped
}

// NewPool starts size workers running script.
func NewPool(ctx context.Context, size int, script string) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := newPool(size, func(id int) (*FaceWorker, error) {
		return NewFaceWorker(ctx, id, script)
	})
	for i := 0; i < size; i++ {
		w, err := p.spawn(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start face worker %d: %w", i, err)
		}
		p.add(w)
	}
	return p, nil
}

func newPool(size int, spawn func(id int) (*FaceWorker, error)) *Pool {
	return &Pool{
		idle:  make(chan *FaceWorker, size),
		spawn: spawn,
		all:   make(map[*FaceWorker]struct{}, size),
		empty: make(chan struct{}),
	}
}

func (p *Pool) add(w *FaceWorker) {
	p.mu.Lock()
	p.all[w] = struct{}{}
	p.mu.Unlock()
	p.idle <- w
}

// Size reports how many workers the pool currently holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Locate implements detect.Locator. A frame that hits a dead worker is
// retried once on the next available worker.
func (p *Pool) Locate(ctx context.Context, frame image.Image) (image.Rectangle, bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var w *FaceWorker
		select {
		case w = <-p.idle:
		case <-p.empty:
			if lastErr != nil {
				return image.Rectangle{}, false, fmt.Errorf("%w: %w", ErrNoWorkers, lastErr)
			}
			return image.Rectangle{}, false, ErrNoWorkers
		case <-ctx.Done():
			return image.Rectangle{}, false, ctx.Err()
		}

		face, ok, err := w.Locate(frame)
		if !errors.Is(err, ErrWorkerDied) {
			p.idle <- w
			return face, ok, err
		}
		lastErr = err
		p.replace(w)
	}
	return image.Rectangle{}, false, lastErr
}

// replace closes a dead worker and starts another under the same id.
func (p *Pool) replace(dead *FaceWorker) {
	if dead.Cmd != nil && dead.Cmd.Process != nil {
		dead.Cmd.Process.Kill()
	}
	dead.Close()

	var fresh *FaceWorker
	if p.spawn != nil {
		if w, err := p.spawn(dead.ID); err == nil {
			fresh = w
		}
	}

	p.mu.Lock()
	delete(p.all, dead)
	if fresh != nil {
		p.all[fresh] = struct{}{}
	} else if len(p.all) == 0 {
		close(p.empty)
	}
	p.mu.Unlock()

	if fresh != nil {
		p.idle <- fresh
	}
}

// Close stops every worker. The pool must not be used afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.all {
		w.Close()
	}
}
