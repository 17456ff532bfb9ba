// Package scheduler runs the background regeneration loop.
//
// The loop polls for unarchived blocks tagged needs_regen with no job in
// flight and dispatches a draft-tier regeneration for each. Drafts keep the
// graph converging cheaply; final-tier runs stay an explicit user action.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storyforge/internal/orchestrator"
	"storyforge/internal/store"
)

const defaultPollInterval = 30 * time.Second

// Dispatcher is the subset of the orchestrator the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req orchestrator.Request) (*store.Block, error)
}

// Scheduler polls the store and dispatches regeneration jobs.
type Scheduler struct {
	store      *store.Store
	dispatcher Dispatcher
	interval   time.Duration
	parallel   int
	log        *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a Scheduler. pollInterval is in seconds; zero or negative
// falls back to the default. parallel caps concurrent dispatches per sweep.
func New(st *store.Store, dispatcher Dispatcher, pollInterval, parallel int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := defaultPollInterval
	if pollInterval > 0 {
		interval = time.Duration(pollInterval) * time.Second
	}
	if parallel < 1 {
		parallel = 1
	}
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		interval:   interval,
		parallel:   parallel,
		log:        logger,
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx)
	s.log.Info("scheduler started", "interval", s.interval, "parallel", s.parallel)
}

// Stop cancels the loop and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one poll cycle: find stale blocks and dispatch draft
// regenerations, up to the parallelism cap at a time. Exposed so callers can
// force a cycle without waiting on the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	blocks, err := s.store.BlocksNeedingRegen(ctx)
	if err != nil {
		s.log.Error("poll stale blocks", "error", err)
		return
	}
	if len(blocks) == 0 {
		return
	}
	s.log.Debug("sweeping stale blocks", "count", len(blocks))

	sem := make(chan struct{}, s.parallel)
	var wg sync.WaitGroup
	for _, block := range blocks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			s.regenerate(ctx, id)
		}(block.ID)
	}
	wg.Wait()
}

func (s *Scheduler) regenerate(ctx context.Context, blockID int64) {
	_, err := s.dispatcher.Dispatch(ctx, orchestrator.Request{
		BlockID: blockID,
		Mode:    orchestrator.ModeDraft,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrGenerationInProgress):
		// Someone else got there first; the next sweep will skip it.
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("background regeneration failed", "block", blockID, "error", err)
	}
}
