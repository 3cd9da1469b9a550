package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestTaskMonitor_RecordSuccess(t *testing.T) {
	tm := NewTaskMonitor("badger-gc", 0)
	tm.RecordSuccess()

	status := tm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Name != "badger-gc" {
		t.Errorf("Name = %q, want %q", status.Name, "badger-gc")
	}
	if status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", status.Runs)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
}

func TestTaskMonitor_RecordFailure(t *testing.T) {
	tm := NewTaskMonitor("badger-gc", 0)
	tm.RecordFailure(errors.New("value log locked"))

	status := tm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "value log locked" {
		t.Errorf("LastError = %q, want %q", status.LastError, "value log locked")
	}
	if status.Healthy {
		t.Error("a task that only ever failed should be unhealthy")
	}
}

func TestTaskMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*TaskMonitor)
		expected bool
	}{
		{
			name:     "not run yet",
			setup:    func(*TaskMonitor) {},
			expected: true,
		},
		{
			name: "recent success",
			setup: func(tm *TaskMonitor) {
				tm.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(tm *TaskMonitor) {
				tm.RecordSuccess()
				tm.mu.Lock()
				tm.lastSuccess = time.Now().Add(-2 * time.Hour)
				tm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "a few failures are tolerated",
			setup: func(tm *TaskMonitor) {
				tm.RecordSuccess()
				tm.RecordFailure(errors.New("error 1"))
				tm.RecordFailure(errors.New("error 2"))
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(tm *TaskMonitor) {
				tm.RecordSuccess()
				tm.RecordFailure(errors.New("error 1"))
				tm.RecordFailure(errors.New("error 2"))
				tm.RecordFailure(errors.New("error 3"))
				tm.RecordFailure(errors.New("error 4"))
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := NewTaskMonitor("test", time.Hour)
			tt.setup(tm)
			if got := tm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTaskMonitor_Status(t *testing.T) {
	tm := NewTaskMonitor("test", 0)
	tm.RecordSuccess()

	status := tm.Status()
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}
	if status.LastAttempt == "" {
		t.Error("LastAttempt should be set")
	}
}
