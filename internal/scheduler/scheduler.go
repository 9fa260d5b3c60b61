// Package scheduler runs the daemon's recurring background jobs: the
// periodic keystore refresh and the hypervisor re-detection probe.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/clock"
	"github.com/cernvm/cernvm-webapi/internal/logging"
)

// TaskFunc is a function that performs a scheduled task. It receives a
// context that is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	logger  *slog.Logger
	clk     clock.Clock
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	nextRun time.Time
	lastErr error
}

// New creates a new scheduler.
func New(logger *logging.Logger, clk clock.Clock) *Scheduler {
	var l *slog.Logger
	if logger == nil {
		l = slog.Default()
	} else {
		l = logger.Logger
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: l.With("component", "scheduler"),
		clk:    clk,
	}
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	s.tasks[task.ID] = &taskEntry{
		task:    task,
		nextRun: task.Schedule.Next(s.clk.Now()),
	}
	s.logger.Debug("task added", "id", task.ID, "name", task.Name)
	return nil
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	var onStart []*taskEntry
	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			onStart = append(onStart, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range onStart {
		go s.executeTask(entry)
	}
	go s.run()
}

// Stop stops the scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks()
		}
	}
}

func (s *Scheduler) checkAndRunTasks() {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*taskEntry
	for _, entry := range s.tasks {
		if entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		entry.nextRun = entry.task.Schedule.Next(now)
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		go s.executeTask(entry)
	}
}

func (s *Scheduler) executeTask(entry *taskEntry) {
	s.wg.Add(1)
	defer s.wg.Done()

	task := entry.task
	ctx := s.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	if err := task.Func(ctx); err != nil {
		s.logger.Warn("task failed", "id", task.ID, "error", err)
		s.mu.Lock()
		entry.lastErr = err
		s.mu.Unlock()
		return
	}
	s.logger.Debug("task completed", "id", task.ID)
}
