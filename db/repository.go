package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("db: record not found")

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Project groups generated media.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MediaAsset is one stored output, written after every successful generation.
type MediaAsset struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Type      string    `json:"type"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Metadata  string    `json:"metadata"` // JSON object
	CreatedAt time.Time `json:"created_at"`
}

// JobRecord is the stored form of an async generation job. Request and
// Result hold JSON owned by the jobs package.
type JobRecord struct {
	ID          string
	ProjectID   string
	Status      string
	Priority    string
	Request     string
	Attempts    int
	MaxRetries  int
	WebhookURL  string
	Result      string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	NextRunAt   time.Time
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses  []string
	ProjectID string
	Limit     int
}

// Repository provides typed access to the tables.
type Repository struct {
	db *Database
}

// NewRepository creates a repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// CreateProject inserts p, assigning an id and timestamps when absent.
func (r *Repository) CreateProject(ctx context.Context, p Project) (Project, error) {
	conn, err := r.db.conn()
	if err != nil {
		return Project{}, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return Project{}, fmt.Errorf("project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = conn.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return Project{}, fmt.Errorf("failed to insert project: %w", err)
	}
	return p, nil
}

// GetProject returns the project with id or ErrNotFound.
func (r *Repository) GetProject(ctx context.Context, id string) (Project, error) {
	conn, err := r.db.conn()
	if err != nil {
		return Project{}, err
	}
	row := conn.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return p, err
}

// ListProjects returns projects newest first.
func (r *Repository) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertAsset stores a media asset, assigning an id and timestamp when absent.
func (r *Repository) InsertAsset(ctx context.Context, a MediaAsset) (MediaAsset, error) {
	conn, err := r.db.conn()
	if err != nil {
		return MediaAsset{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Type == "" {
		a.Type = "image"
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO media_assets (id, project_id, job_id, type, filename, url, prompt, model, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullable(a.ProjectID), nullable(a.JobID), a.Type, a.Filename, a.URL,
		a.Prompt, a.Model, a.Metadata, formatTime(a.CreatedAt))
	if err != nil {
		return MediaAsset{}, fmt.Errorf("failed to insert media asset: %w", err)
	}
	return a, nil
}

// ListAssets returns assets for projectID newest first; an empty projectID
// lists assets without a project.
func (r *Repository) ListAssets(ctx context.Context, projectID string, limit int) ([]MediaAsset, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, COALESCE(project_id, ''), COALESCE(job_id, ''), type, filename, url, prompt, model, metadata, created_at
		FROM media_assets WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`
	args := []any{projectID, clampLimit(limit)}
	if projectID == "" {
		query = strings.Replace(query, "project_id = ?", "project_id IS NULL", 1)
		args = args[1:]
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query media assets: %w", err)
	}
	defer rows.Close()

	var out []MediaAsset
	for rows.Next() {
		var a MediaAsset
		var created string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.JobID, &a.Type, &a.Filename, &a.URL,
			&a.Prompt, &a.Model, &a.Metadata, &created); err != nil {
			return nil, fmt.Errorf("failed to scan media asset: %w", err)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("media asset %s: bad created_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveJob inserts or replaces a job record.
func (r *Repository) SaveJob(ctx context.Context, j JobRecord) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now().UTC()
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO generation_jobs (
			id, project_id, status, priority, request, attempts, max_retries, webhook_url,
			result, error, created_at, updated_at, started_at, completed_at, next_run_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			attempts = excluded.attempts,
			max_retries = excluded.max_retries,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			next_run_at = excluded.next_run_at`,
		j.ID, nullable(j.ProjectID), j.Status, j.Priority, j.Request, j.Attempts, j.MaxRetries, j.WebhookURL,
		j.Result, j.Error, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
		formatTime(j.StartedAt), formatTime(j.CompletedAt), formatTime(j.NextRunAt))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

const jobColumns = `id, COALESCE(project_id, ''), status, priority, request, attempts, max_retries, webhook_url,
	result, error, created_at, updated_at, started_at, completed_at, next_run_at`

// GetJob returns the job with id or ErrNotFound.
func (r *Repository) GetJob(ctx context.Context, id string) (JobRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return JobRecord{}, err
	}
	row := conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j, err
}

// ListJobs returns jobs matching f, newest first.
func (r *Repository) ListJobs(ctx context.Context, f JobFilter) ([]JobRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	query := `SELECT ` + jobColumns + ` FROM generation_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobsByStatus returns the number of jobs per status.
func (r *Repository) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (Project, error) {
	var p Project
	var created, updated string
	if err := s.Scan(&p.ID, &p.Name, &p.Description, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, err
		}
		return Project{}, fmt.Errorf("failed to scan project: %w", err)
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return Project{}, fmt.Errorf("project %s: bad created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return Project{}, fmt.Errorf("project %s: bad updated_at: %w", p.ID, err)
	}
	return p, nil
}

func scanJob(s scanner) (JobRecord, error) {
	var j JobRecord
	var created, updated, started, completed, nextRun string
	err := s.Scan(&j.ID, &j.ProjectID, &j.Status, &j.Priority, &j.Request, &j.Attempts, &j.MaxRetries,
		&j.WebhookURL, &j.Result, &j.Error, &created, &updated, &started, &completed, &nextRun)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobRecord{}, err
		}
		return JobRecord{}, fmt.Errorf("failed to scan job: %w", err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&j.CreatedAt, created},
		{&j.UpdatedAt, updated},
		{&j.StartedAt, started},
		{&j.CompletedAt, completed},
		{&j.NextRunAt, nextRun},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return JobRecord{}, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, f.src, err)
		}
	}
	return j, nil
}

const maxListLimit = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
