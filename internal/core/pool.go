package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/engine"
)

// WorkerPool owns the fixed set of media workers created at startup.
// The set is immutable afterwards; only per-worker room counts change.
// A worker reporting death is unrecoverable: every room routed through
// it has lost its media path, so the pool escalates through onFatal
// instead of restarting.
type WorkerPool struct {
	mu      sync.Mutex
	workers []engine.Worker
	rooms   []int
	onFatal func(error)
}

// PoolSettings is the template applied to every worker; the per-worker
// index and port sub-range are derived from it.
type PoolSettings struct {
	Size        int // 0 means one worker per CPU core
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string
}

func NewWorkerPool(ctx context.Context, eng engine.Engine, settings PoolSettings, onFatal func(error)) (*WorkerPool, error) {
	size := settings.Size
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &WorkerPool{
		workers: make([]engine.Worker, 0, size),
		rooms:   make([]int, size),
		onFatal: onFatal,
	}

	span := uint16(0)
	if settings.RTCMaxPort > settings.RTCMinPort {
		span = (settings.RTCMaxPort - settings.RTCMinPort + 1) / uint16(size)
	}
	for i := 0; i < size; i++ {
		ws := engine.WorkerSettings{
			Index:       i,
			AnnouncedIP: settings.AnnouncedIP,
		}
		if span > 0 {
			ws.RTCMinPort = settings.RTCMinPort + uint16(i)*span
			ws.RTCMaxPort = ws.RTCMinPort + span - 1
		}
		w, err := eng.CreateWorker(ctx, ws)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		idx := i
		w.OnDied(func(err error) {
			log.Error().Err(err).Str("module", "core.pool").Int("worker", idx).Msg("worker died")
			p.onFatal(err)
		})
		p.workers = append(p.workers, w)
	}
	log.Info().Str("module", "core.pool").Int("size", size).Msg("worker pool ready")
	return p, nil
}

func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Acquire returns the worker currently bound to the fewest rooms and
// charges a room to it. Ties break to the lowest index, so selection is
// deterministic.
func (p *WorkerPool) Acquire() (engine.Worker, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := 0
	for i := 1; i < len(p.workers); i++ {
		if p.rooms[i] < p.rooms[best] {
			best = i
		}
	}
	p.rooms[best]++
	return p.workers[best], best
}

// Release returns a room slot after room teardown.
func (p *WorkerPool) Release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx >= 0 && idx < len(p.rooms) && p.rooms[idx] > 0 {
		p.rooms[idx]--
	}
}

func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeAll()
}

func (p *WorkerPool) closeAll() {
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("module", "core.pool").Msg("worker close")
		}
	}
	p.workers = p.workers[:0]
}
