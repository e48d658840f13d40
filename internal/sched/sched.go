// Package sched runs config-driven interval tasks that inject command
// messages into the bus, as if an operator had typed them. A daily
// stock broadcast is one task; the plugin chain handles the rest.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/config"
	"wxbot/internal/domain"
)

type Scheduler struct {
	tasks    map[string]*Task
	bus      domain.MessageBus
	events   *bus.EventBus
	logger   *slog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

type Task struct {
	ID        string
	Name      string
	Message   string // command text published into the chain
	IntervalS int
	Channel   string // target channel name
	ChatID    string // target chat
	Enabled   bool
	LastRun   time.Time
	NextRun   time.Time
}

func New(bus domain.MessageBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*Task),
		bus:    bus,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// WithEvents announces fired tasks on the internal event bus.
func (s *Scheduler) WithEvents(eb *bus.EventBus) *Scheduler {
	s.events = eb
	return s
}

// FromConfig loads the configured task list, skipping disabled entries.
func (s *Scheduler) FromConfig(cfg config.SchedConfig) {
	for _, t := range cfg.Tasks {
		if !t.Enabled {
			continue
		}
		s.AddTask(Task{
			ID:        t.ID,
			Name:      t.Name,
			Message:   t.Message,
			IntervalS: t.IntervalS,
			Channel:   t.Channel,
			ChatID:    t.ChatID,
			Enabled:   true,
		})
	}
}

func (s *Scheduler) AddTask(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.NextRun = time.Now().Add(time.Duration(task.IntervalS) * time.Second)
	s.tasks[task.ID] = &task
	s.logger.Info("scheduled task added", "id", task.ID, "name", task.Name, "interval", task.IntervalS)
}

func (s *Scheduler) RemoveTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	s.logger.Info("scheduled task removed", "id", id)
}

func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}
	return tasks
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "tasks", len(s.ListTasks()))
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkAndFire(now)
		}
	}
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Scheduler) checkAndFire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		if now.After(task.NextRun) {
			s.logger.Info("firing scheduled task", "id", task.ID, "name", task.Name)
			// FromAdmin makes billing-exempt plugins treat broadcasts
			// as free instead of draining the synthetic sender.
			s.bus.Publish(domain.InboundMessage{
				Channel:   task.Channel,
				ChatID:    task.ChatID,
				SenderID:  "sched:" + task.ID,
				Content:   task.Message,
				FromAdmin: true,
				Timestamp: now,
			})
			if s.events != nil {
				s.events.EmitAsync(bus.Event{
					Type:    bus.EventScheduleFired,
					Source:  "sched",
					Payload: map[string]any{"task": task.ID, "chat": task.ChatID},
				})
			}
			task.LastRun = now
			task.NextRun = now.Add(time.Duration(task.IntervalS) * time.Second)
		}
	}
}
