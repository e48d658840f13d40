package sched

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"wxbot/internal/config"
	"wxbot/internal/domain"
)

type captureBus struct {
	published []domain.InboundMessage
}

func (b *captureBus) Publish(msg domain.InboundMessage)  { b.published = append(b.published, msg) }
func (b *captureBus) Subscribe() <-chan domain.InboundMessage { return nil }
func (b *captureBus) SendOutbound(domain.OutboundMessage)     {}
func (b *captureBus) OnOutbound(string, func(domain.OutboundMessage)) {}
func (b *captureBus) Close()                                  {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestScheduler_FiresDueTask(t *testing.T) {
	cb := &captureBus{}
	s := New(cb, testLogger())
	s.AddTask(Task{
		ID:        "daily-stock",
		Name:      "morning analysis",
		Message:   "分析 600519",
		IntervalS: 60,
		Channel:   "wechat",
		ChatID:    "group@chatroom",
		Enabled:   true,
	})

	// Not due yet.
	s.checkAndFire(time.Now())
	if len(cb.published) != 0 {
		t.Fatalf("task fired before its interval elapsed")
	}

	// Past NextRun.
	s.checkAndFire(time.Now().Add(61 * time.Second))
	if len(cb.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(cb.published))
	}

	msg := cb.published[0]
	if msg.Content != "分析 600519" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Channel != "wechat" || msg.ChatID != "group@chatroom" {
		t.Errorf("addressing = %s/%s", msg.Channel, msg.ChatID)
	}
	if msg.SenderID != "sched:daily-stock" {
		t.Errorf("sender = %q", msg.SenderID)
	}
	if !msg.FromAdmin {
		t.Error("scheduled messages should be admin-flagged")
	}
}

func TestScheduler_ReschedulesAfterFire(t *testing.T) {
	cb := &captureBus{}
	s := New(cb, testLogger())
	s.AddTask(Task{ID: "t1", Name: "t", Message: "积分", IntervalS: 30, Channel: "cli", ChatID: "direct", Enabled: true})

	fireAt := time.Now().Add(31 * time.Second)
	s.checkAndFire(fireAt)
	s.checkAndFire(fireAt) // same instant again: not due
	if len(cb.published) != 1 {
		t.Fatalf("expected 1 fire, got %d", len(cb.published))
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if !tasks[0].NextRun.After(fireAt) {
		t.Error("NextRun was not pushed past the fire time")
	}
	if !tasks[0].LastRun.Equal(fireAt) {
		t.Errorf("LastRun = %v, want %v", tasks[0].LastRun, fireAt)
	}
}

func TestScheduler_FromConfigSkipsDisabled(t *testing.T) {
	cb := &captureBus{}
	s := New(cb, testLogger())
	s.FromConfig(config.SchedConfig{
		Enabled: true,
		Tasks: []config.SchedTask{
			{ID: "on", Name: "on", Message: "hi", IntervalS: 10, Channel: "cli", ChatID: "c", Enabled: true},
			{ID: "off", Name: "off", Message: "hi", IntervalS: 10, Channel: "cli", ChatID: "c", Enabled: false},
		},
	})

	tasks := s.ListTasks()
	if len(tasks) != 1 || tasks[0].ID != "on" {
		t.Fatalf("expected only the enabled task, got %v", tasks)
	}
}

func TestScheduler_RemoveTask(t *testing.T) {
	cb := &captureBus{}
	s := New(cb, testLogger())
	s.AddTask(Task{ID: "t1", Name: "t", Message: "x", IntervalS: 10, Channel: "cli", ChatID: "c", Enabled: true})
	s.RemoveTask("t1")

	s.checkAndFire(time.Now().Add(time.Minute))
	if len(cb.published) != 0 {
		t.Error("removed task still fired")
	}
}
