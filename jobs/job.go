// Package jobs runs generation requests asynchronously. Jobs are persisted in
// SQLite, dispatched over NATS by priority, retried with exponential backoff
// and reported to an optional webhook when they reach a final state.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagegen_backend/db"
	"imagegen_backend/imagegen"
)

var (
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
	ErrInvalidJob        = errors.New("jobs: invalid job")
	ErrStopped           = errors.New("jobs: manager stopped")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions happen without a manual retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidJob, s)
}

// TerminalStatuses lists the statuses eligible for retention cleanup.
func TerminalStatuses() []string {
	return []string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}
}

// Priority selects the dispatch subject.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorities in dispatch order.
var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority validates a priority; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, s)
}

// Result is what a completed job reports.
type Result struct {
	Filename       string  `json:"filename"`
	URL            string  `json:"image_url"`
	LocalPath      string  `json:"local_path"`
	Model          string  `json:"model"`
	Device         string  `json:"device"`
	Size           string  `json:"size"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Scheduler      string  `json:"scheduler"`
	Seed           int64   `json:"seed"`
	GenerationTime float64 `json:"generation_time"`
	Fallback       string  `json:"fallback,omitempty"`
}

func resultFrom(res *imagegen.Result) *Result {
	return &Result{
		Filename:       res.Filename,
		URL:            res.URL,
		LocalPath:      res.Path,
		Model:          res.Model,
		Device:         string(res.Device),
		Size:           imagegen.FormatSize(res.Width, res.Height),
		Steps:          res.Steps,
		GuidanceScale:  res.Guidance,
		Scheduler:      string(res.Scheduler),
		Seed:           res.Seed,
		GenerationTime: float64(res.Elapsed.Milliseconds()) / 1000,
		Fallback:       res.Fallback,
	}
}

// Job is one asynchronous generation.
type Job struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id,omitempty"`
	Status      Status           `json:"status"`
	Priority    Priority         `json:"priority"`
	Request     imagegen.Request `json:"request"`
	Attempts    int              `json:"attempts"`
	MaxRetries  int              `json:"max_retries"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	NextRunAt   *time.Time       `json:"next_run_at,omitempty"`
}

// Stats counts jobs per status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (j *Job) record() (db.JobRecord, error) {
	req, err := json.Marshal(j.Request)
	if err != nil {
		return db.JobRecord{}, fmt.Errorf("failed to encode request: %w", err)
	}
	rec := db.JobRecord{
		ID:          j.ID,
		ProjectID:   j.ProjectID,
		Status:      string(j.Status),
		Priority:    string(j.Priority),
		Request:     string(req),
		Attempts:    j.Attempts,
		MaxRetries:  j.MaxRetries,
		WebhookURL:  j.WebhookURL,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   timeVal(j.StartedAt),
		CompletedAt: timeVal(j.CompletedAt),
		NextRunAt:   timeVal(j.NextRunAt),
	}
	if j.Result != nil {
		out, err := json.Marshal(j.Result)
		if err != nil {
			return db.JobRecord{}, fmt.Errorf("failed to encode result: %w", err)
		}
		rec.Result = string(out)
	}
	return rec, nil
}

func jobFromRecord(rec db.JobRecord) (*Job, error) {
	j := &Job{
		ID:          rec.ID,
		ProjectID:   rec.ProjectID,
		Status:      Status(rec.Status),
		Priority:    Priority(rec.Priority),
		Attempts:    rec.Attempts,
		MaxRetries:  rec.MaxRetries,
		WebhookURL:  rec.WebhookURL,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		StartedAt:   timePtr(rec.StartedAt),
		CompletedAt: timePtr(rec.CompletedAt),
		NextRunAt:   timePtr(rec.NextRunAt),
	}
	if err := json.Unmarshal([]byte(rec.Request), &j.Request); err != nil {
		return nil, fmt.Errorf("job %s: bad request payload: %w", rec.ID, err)
	}
	if rec.Result != "" {
		j.Result = &Result{}
		if err := json.Unmarshal([]byte(rec.Result), j.Result); err != nil {
			return nil, fmt.Errorf("job %s: bad result payload: %w", rec.ID, err)
		}
	}
	return j, nil
}
