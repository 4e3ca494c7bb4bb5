package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// SchedulerService submits recurring runs for stored workflow definitions
// that carry a cron schedule.
type SchedulerService struct {
	engine *EngineService
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // workflow name -> cron entry
}

// NewSchedulerService creates a SchedulerService using standard 5-field
// cron expressions.
func NewSchedulerService(engine *EngineService) *SchedulerService {
	return &SchedulerService{
		engine:  engine,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers every stored scheduled definition and starts the cron
// loop. Call Stop on shutdown.
func (s *SchedulerService) Start(ctx context.Context) error {
	defs, err := s.engine.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions for scheduling: %w", err)
	}
	for i := range defs {
		if defs[i].Schedule == "" {
			continue
		}
		if err := s.Register(ctx, defs[i].Name, defs[i].Schedule); err != nil {
			return err
		}
	}

	s.cron.Start()
	slog.Info("scheduler started", "scheduled_workflows", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for in-flight submissions.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// Register adds or replaces the schedule for the named workflow. Each
// trigger starts a fresh run from the stored definition, so edits between
// triggers take effect.
func (s *SchedulerService) Register(ctx context.Context, name, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		r, err := s.engine.StartRun(context.WithoutCancel(ctx), name)
		if err != nil {
			slog.Error("scheduled run failed to start", "workflow", name, "error", err)
			return
		}
		slog.Info("scheduled run started", "workflow", name, "run_id", r.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule workflow %q (%q): %w", name, schedule, err)
	}

	s.entries[name] = id
	return nil
}

// Unregister removes the schedule for the named workflow, if any.
func (s *SchedulerService) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}
