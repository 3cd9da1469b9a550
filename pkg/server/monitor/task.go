package monitor

import (
	"sync"
	"time"
)

// DefaultStaleAfter is how long a task may go without a success before it is
// reported unhealthy.
const DefaultStaleAfter = 1 * time.Hour

// maxConsecutiveErrors is the failure streak tolerated before a task is unhealthy
const maxConsecutiveErrors = 3

// TaskMonitor tracks the health of a periodic background task.
type TaskMonitor struct {
	name       string
	staleAfter time.Duration

	mu                sync.RWMutex
	runs              int
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates a monitor for the named task. A zero staleAfter
// uses DefaultStaleAfter.
func NewTaskMonitor(name string, staleAfter time.Duration) *TaskMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &TaskMonitor{name: name, staleAfter: staleAfter}
}

// Name returns the task name.
func (tm *TaskMonitor) Name() string {
	return tm.name
}

// RecordSuccess records a successful run.
func (tm *TaskMonitor) RecordSuccess() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	tm.runs++
	tm.lastSuccess = now
	tm.lastAttempt = now
	tm.consecutiveErrors = 0
	tm.lastError = ""
}

// RecordFailure records a failed run.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.runs++
	tm.lastAttempt = time.Now()
	tm.consecutiveErrors++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy reports whether the task is keeping up.
// Unhealthy conditions:
//   - Ran at least once and never succeeded
//   - Last success is older than staleAfter
//   - More than 3 consecutive failures
//
// A task that has not run yet is healthy; the first tick may be minutes away.
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthyLocked()
}

func (tm *TaskMonitor) healthyLocked() bool {
	if tm.runs == 0 {
		return true
	}
	if tm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(tm.lastSuccess) > tm.staleAfter {
		return false
	}
	return tm.consecutiveErrors <= maxConsecutiveErrors
}

// TaskStatus is the health snapshot of one task.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Runs              int    `json:"runs"`
	LastSuccess       string `json:"lastSuccess,omitempty"`
	TimeSinceSuccess  string `json:"timeSinceSuccess,omitempty"`
	LastAttempt       string `json:"lastAttempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
	LastError         string `json:"lastError,omitempty"`
}

// Status returns current task status for health checks.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Name:    tm.name,
		Healthy: tm.healthyLocked(),
		Runs:    tm.runs,
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(tm.lastSuccess).Round(time.Second).String()
	}

	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}

	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}

	return status
}
