package api

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"knowbase/internal/ingest"
)

var (
	// ErrJobRunning is returned when a tenant already has an active job.
	ErrJobRunning = errors.New("ingestion already running for this chatbot")
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
)

// JobStore tracks ingestion jobs in memory. Finished jobs live until the
// TTL sweep removes them; at most one active job exists per tenant.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	ttl    time.Duration
	logger *slog.Logger
}

// NewJobStore builds a store whose finished jobs expire after ttl.
func NewJobStore(ttl time.Duration, logger *slog.Logger) *JobStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		jobs:   make(map[string]*Job),
		ttl:    ttl,
		logger: logger,
	}
}

// Create registers a new pending job for the tenant, rejecting when the
// tenant already has one pending or running.
func (s *JobStore) Create(chatbotID string, seedURLs []string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.chatbotID == chatbotID && job.isActive() {
			return nil, ErrJobRunning
		}
	}

	job := &Job{
		id:          uuid.NewString(),
		chatbotID:   chatbotID,
		seedURLs:    append([]string(nil), seedURLs...),
		status:      JobStatusPending,
		createdAt:   time.Now(),
		subscribers: make(map[chan SSEEvent]struct{}),
	}
	s.jobs[job.id] = job
	return job, nil
}

// Get returns the job by ID.
func (s *JobStore) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// List snapshots every tracked job, newest first.
func (s *JobStore) List() []JobSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]JobSummary, 0, len(s.jobs))
	for _, job := range s.jobs {
		summaries = append(summaries, job.Snapshot())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Shutdown cancels every active job.
func (s *JobStore) Shutdown() {
	s.mu.RLock()
	snapshot := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot = append(snapshot, job)
	}
	s.mu.RUnlock()

	for _, job := range snapshot {
		job.Cancel("server shutdown")
	}
}

// StartSweep removes expired finished jobs on a schedule until ctx ends.
func (s *JobStore) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(time.Now())
			}
		}
	}()
}

func (s *JobStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.expired(now, s.ttl) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("job sweep", "removed", removed, "remaining", len(s.jobs))
	}
}

// Job is one ingestion run's lifecycle record.
type Job struct {
	id        string
	chatbotID string
	seedURLs  []string

	mu          sync.Mutex
	status      JobStatus
	report      *ingest.Report
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	message     string
	lastError   string
	cancel      context.CancelFunc

	subMu       sync.RWMutex
	subscribers map[chan SSEEvent]struct{}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// ChatbotID returns the tenant the job belongs to.
func (j *Job) ChatbotID() string { return j.chatbotID }

// SeedURLs returns the job's seed URLs.
func (j *Job) SeedURLs() []string { return append([]string(nil), j.seedURLs...) }

// Start transitions the job to running and stores its cancel function.
func (j *Job) Start(cancel context.CancelFunc) {
	now := time.Now()
	j.mu.Lock()
	j.status = JobStatusRunning
	j.startedAt = &now
	j.message = "running"
	j.cancel = cancel
	j.mu.Unlock()
	j.broadcast("job_started")
}

// Complete finishes the job. A context.Canceled error records a
// cancellation instead of a failure.
func (j *Job) Complete(report *ingest.Report, err error) {
	now := time.Now()
	j.mu.Lock()
	status := JobStatusCompleted
	message := "completed"
	errorText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = JobStatusCancelled
		message = "cancelled"
	case err != nil:
		status = JobStatusFailed
		message = "failed"
		errorText = err.Error()
	}
	j.status = status
	j.report = report
	j.completedAt = &now
	j.message = message
	j.lastError = errorText
	j.cancel = nil
	j.mu.Unlock()

	eventType := "job_completed"
	switch status {
	case JobStatusCancelled:
		eventType = "job_cancelled"
	case JobStatusFailed:
		eventType = "job_failed"
	}
	j.broadcast(eventType)
}

// Cancel requests cancellation of a running job.
func (j *Job) Cancel(reason string) bool {
	j.mu.Lock()
	if j.status != JobStatusRunning || j.cancel == nil {
		j.mu.Unlock()
		return false
	}
	j.status = JobStatusCancelling
	j.message = reason
	cancel := j.cancel
	j.mu.Unlock()
	j.broadcast("job_cancelling")
	cancel()
	return true
}

// Snapshot returns a copy of the public job state.
func (j *Job) Snapshot() JobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	summary := JobSummary{
		JobID:     j.id,
		ChatbotID: j.chatbotID,
		Status:    j.status,
		SeedURLs:  append([]string(nil), j.seedURLs...),
		CreatedAt: j.createdAt,
		Message:   j.message,
		Error:     j.lastError,
	}
	if j.report != nil {
		report := *j.report
		summary.Report = &report
	}
	if j.startedAt != nil {
		started := *j.startedAt
		summary.StartedAt = &started
	}
	if j.completedAt != nil {
		completed := *j.completedAt
		summary.CompletedAt = &completed
	}
	return summary
}

// Subscribe registers an SSE subscriber for the job. Events are dropped
// rather than blocking a slow client.
func (j *Job) Subscribe() (<-chan SSEEvent, func()) {
	ch := make(chan SSEEvent, 16)

	j.subMu.Lock()
	j.subscribers[ch] = struct{}{}
	j.subMu.Unlock()

	initial := SSEEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Job:       j.Snapshot(),
	}
	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		j.subMu.Lock()
		if _, ok := j.subscribers[ch]; ok {
			delete(j.subscribers, ch)
			close(ch)
		}
		j.subMu.Unlock()
	}
	return ch, cancel
}

func (j *Job) broadcast(eventType string) {
	envelope := SSEEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Job:       j.Snapshot(),
	}
	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for ch := range j.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}

func (j *Job) isActive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case JobStatusPending, JobStatusRunning, JobStatusCancelling:
		return true
	}
	return false
}

func (j *Job) expired(now time.Time, ttl time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completedAt == nil {
		return false
	}
	return now.Sub(*j.completedAt) > ttl
}
