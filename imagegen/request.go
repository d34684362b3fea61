package imagegen

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"imagegen_backend/sdruntime"
)

// Request defaults. DefaultSteps doubles as the "use the recommended steps"
// sentinel.
const (
	DefaultSteps     = 10
	DefaultGuidance  = 7.5
	DefaultDimension = 512
)

// Request is a text-to-image request as received over HTTP or from a job.
type Request struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Size           string  `json:"size,omitempty"`
	Scheduler      string  `json:"scheduler"`
	Seed           int64   `json:"seed"`
	ProjectID      string  `json:"project_id,omitempty"`
}

// DefaultRequest returns a request holding every default.
func DefaultRequest() Request {
	return Request{
		Model:         DefaultModel,
		Steps:         DefaultSteps,
		GuidanceScale: DefaultGuidance,
		Width:         DefaultDimension,
		Height:        DefaultDimension,
		Scheduler:     string(sdruntime.SchedulerAuto),
		Seed:          -1,
	}
}

// DecodeRequest unmarshals data over the defaults, so absent fields keep
// their default values, then applies Size.
func DecodeRequest(data []byte) (Request, error) {
	req := DefaultRequest()
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.ApplySize()
	return req, nil
}

// ApplySize overrides Width and Height from Size when Size parses as "WxH".
// An unparseable Size is ignored.
func (r *Request) ApplySize() {
	if w, h, ok := ParseSize(r.Size); ok {
		r.Width, r.Height = w, h
	}
}

// ParseSize parses "WxH" with positive integer sides.
func ParseSize(s string) (width, height int, ok bool) {
	ws, hs, found := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !found {
		return 0, 0, false
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil || w <= 0 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// Validate checks the request before any device or model work.
func (r Request) Validate() error {
	if err := sdruntime.ValidatePrompt(r.Prompt); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	switch {
	case r.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive", ErrInvalidRequest)
	case r.GuidanceScale < 0:
		return fmt.Errorf("%w: guidance_scale must not be negative", ErrInvalidRequest)
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("%w: width and height must be positive", ErrInvalidRequest)
	}
	if _, err := sdruntime.ParseScheduler(r.Scheduler); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// FormatSize renders "WxH".
func FormatSize(width, height int) string {
	return fmt.Sprintf("%dx%d", width, height)
}
