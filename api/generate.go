package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"imagegen_backend/imagegen"
)

// GenerateData is the "data" object of a successful generation.
type GenerateData struct {
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url"`
	LocalPath   string `json:"local_path"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Size        string `json:"size"`
	Timestamp   string `json:"timestamp"`
}

// GenerateMetadata describes how the image was made. Model, Steps,
// GuidanceScale and Scheduler echo the request; ResolvedModel and the
// Effective fields are what ran.
type GenerateMetadata struct {
	Model              string             `json:"model"`
	ResolvedModel      string             `json:"resolved_model"`
	GenerationTime     float64            `json:"generation_time"`
	Steps              int                `json:"steps"`
	GuidanceScale      float64            `json:"guidance_scale"`
	EffectiveSteps     int                `json:"effective_steps"`
	EffectiveGuidance  float64            `json:"effective_guidance_scale"`
	Scheduler          string             `json:"scheduler"`
	EffectiveScheduler string             `json:"effective_scheduler"`
	Device             string             `json:"device"`
	SelectedDevice     string             `json:"selected_device"`
	Seed               int64              `json:"seed"`
	Fallback           string             `json:"fallback,omitempty"`
	EstimatedVsActual  string             `json:"estimated_vs_actual"`
	Timestamp          string             `json:"timestamp"`
	Attempts           []imagegen.Attempt `json:"attempts"`
}

// GenerateResponse is the body of a successful POST /generate.
type GenerateResponse struct {
	Success  bool             `json:"success"`
	Data     GenerateData     `json:"data"`
	Metadata GenerateMetadata `json:"metadata"`
}

func newGenerateResponse(res *imagegen.Result) GenerateResponse {
	ts := res.CreatedAt.UTC().Format(time.RFC3339)
	model := res.RequestedModel
	if model == "" {
		model = res.Model
	}
	return GenerateResponse{
		Success: true,
		Data: GenerateData{
			ImageBase64: res.ImageBase64(),
			ImageURL:    res.URL,
			LocalPath:   res.Path,
			Prompt:      res.Prompt,
			Model:       model,
			Size:        imagegen.FormatSize(res.Width, res.Height),
			Timestamp:   ts,
		},
		Metadata: GenerateMetadata{
			Model:              model,
			ResolvedModel:      res.Model,
			GenerationTime:     math.Round(res.Elapsed.Seconds()*100) / 100,
			Steps:              res.RequestedSteps,
			GuidanceScale:      res.RequestedGuidance,
			EffectiveSteps:     res.Steps,
			EffectiveGuidance:  res.Guidance,
			Scheduler:          string(res.RequestedScheduler),
			EffectiveScheduler: string(res.Scheduler),
			Device:             string(res.Device),
			SelectedDevice:     string(res.SelectedDevice),
			Seed:               res.Seed,
			Fallback:           res.Fallback,
			EstimatedVsActual:  res.EstimatedVsActual(),
			Timestamp:          ts,
			Attempts:           res.Attempts,
		},
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot read request body: "+err.Error())
		return
	}
	req, err := imagegen.DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	res, err := s.cfg.Executor.Generate(r.Context(), req)
	if err != nil {
		status, code := classifyError(err)
		if code == CodeInternal {
			code = CodeGenerationFailed
		}
		if status >= 500 {
			s.logger.Error("generate request failed", zap.String("code", code), zap.Error(err))
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newGenerateResponse(res))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	path, err := s.cfg.Executor.Store().Path(filename)
	if err != nil {
		if errors.Is(err, imagegen.ErrInvalidFilename) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, CodeNotFound, "image not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}
