// Package imagegen turns generation requests into images: it resolves model
// aliases against the catalog, normalizes parameters for the selected device,
// runs the pipeline with the out-of-memory and backend-fault fallback ladder,
// and persists the result.
package imagegen

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"imagegen_backend/device"
	"imagegen_backend/sdruntime"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "runwayml/stable-diffusion-v1-5"

// ModelSpec describes one catalog model.
type ModelSpec struct {
	ID          string              `yaml:"id" json:"id"`
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description" json:"description"`
	Aliases     []string            `yaml:"aliases" json:"aliases,omitempty"`
	Guidance    float64             `yaml:"guidance_scale" json:"guidance_scale"`
	Scheduler   sdruntime.Scheduler `yaml:"scheduler" json:"scheduler"`
	Size        string              `yaml:"size" json:"size"`
	Turbo       bool                `yaml:"turbo" json:"turbo"`
	Note        string              `yaml:"note" json:"note,omitempty"`
	Performance string              `yaml:"performance" json:"performance,omitempty"`

	// Steps overrides the per-device base step count. Keys are device names
	// or "default".
	Steps map[string]int `yaml:"steps" json:"-"`
}

// IsTurbo reports whether the model must run without classifier-free guidance.
func (m ModelSpec) IsTurbo() bool {
	return m.Turbo || strings.Contains(strings.ToLower(m.ID), "turbo")
}

// StepsFor returns the recommended inference steps on d.
func (m ModelSpec) StepsFor(d device.Device) int {
	if n := m.Steps[string(d)]; n > 0 {
		return n
	}
	if n := m.Steps["default"]; n > 0 {
		return n
	}
	return baseSteps(d)
}

// baseSteps is the device step budget for models without their own table.
func baseSteps(d device.Device) int {
	switch d {
	case device.DML:
		return 12
	case device.CUDA:
		return 20
	default:
		return 15
	}
}

var defaultModels = []ModelSpec{
	{
		ID:          DefaultModel,
		Name:        "Stable Diffusion 1.5",
		Description: "Baseline model, versatile and fast",
		Aliases:     []string{"sd-1.5", "stable-diffusion-1.5", "FLUX.1-dev"},
		Guidance:    7.5,
		Scheduler:   sdruntime.SchedulerDPMPP,
		Size:        "512x512",
	},
	{
		ID:          "stabilityai/sdxl-turbo",
		Name:        "SDXL Turbo",
		Description: "Ultra-fast, 4-6 steps",
		Aliases:     []string{"sdxl-turbo"},
		Guidance:    0,
		Scheduler:   sdruntime.SchedulerEulerA,
		Size:        "512x512",
		Turbo:       true,
		Note:        "requires guidance_scale 0",
		Performance: "10-20s",
		Steps:       map[string]int{string(device.DML): 4, "default": 6},
	},
	{
		ID:          "lykon/dreamshaper-8",
		Name:        "DreamShaper 8",
		Description: "Artistic / photoreal crossover",
		Aliases:     []string{"dreamshaper"},
		Guidance:    7.5,
		Scheduler:   sdruntime.SchedulerEulerA,
		Size:        "512x512",
	},
	{
		ID:          "prompthero/openjourney",
		Name:        "OpenJourney",
		Description: "Midjourney style",
		Aliases:     []string{"openjourney"},
		Guidance:    7.5,
		Scheduler:   sdruntime.SchedulerDPMPP,
		Size:        "512x512",
	},
	{
		ID:          "Linaqruf/anything-v3.0",
		Name:        "Anything V3",
		Description: "Anime/Manga style",
		Aliases:     []string{"anything-v3"},
		Guidance:    7.5,
		Scheduler:   sdruntime.SchedulerDPMPP,
		Size:        "512x512",
	},
}

// Catalog maps model names and aliases to specs. It is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	models  []ModelSpec
	byID    map[string]int
	aliases map[string]string
}

// catalogFile is the YAML layout of MODEL_CATALOG_PATH.
type catalogFile struct {
	Models []ModelSpec `yaml:"models"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, _ := newCatalog(defaultModels)
	return c
}

// LoadCatalog reads a YAML catalog and merges it over the built-in models.
// Entries whose id matches a built-in model replace it; others are added.
// An empty path returns the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("imagegen: read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("imagegen: parse catalog %s: %w", path, err)
	}

	models := append([]ModelSpec(nil), defaultModels...)
	for _, m := range f.Models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("imagegen: catalog %s: model without id", path)
		}
		if m.Scheduler != "" {
			s, err := sdruntime.ParseScheduler(string(m.Scheduler))
			if err != nil {
				return nil, fmt.Errorf("imagegen: catalog %s: model %s: %w", path, m.ID, err)
			}
			m.Scheduler = s
		}
		replaced := false
		for i := range models {
			if strings.EqualFold(models[i].ID, m.ID) {
				models[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			models = append(models, m)
		}
	}
	return newCatalog(models)
}

func newCatalog(models []ModelSpec) (*Catalog, error) {
	c := &Catalog{
		models:  models,
		byID:    make(map[string]int, len(models)),
		aliases: make(map[string]string),
	}
	for i, m := range models {
		c.byID[strings.ToLower(m.ID)] = i
	}
	for _, m := range models {
		for _, a := range m.Aliases {
			key := strings.ToLower(a)
			if prev, ok := c.aliases[key]; ok && prev != m.ID {
				return nil, fmt.Errorf("imagegen: alias %q maps to both %s and %s", a, prev, m.ID)
			}
			c.aliases[key] = m.ID
		}
	}
	return c, nil
}

// Resolve maps an alias to its canonical id. Unknown names are returned
// trimmed, so any Hugging Face repository id can be requested. The empty
// name resolves to DefaultModel.
func (c *Catalog) Resolve(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultModel
	}
	if id, ok := c.aliases[strings.ToLower(name)]; ok {
		return id
	}
	if i, ok := c.byID[strings.ToLower(name)]; ok {
		return c.models[i].ID
	}
	return name
}

// Known reports whether id is a catalog model.
func (c *Catalog) Known(id string) bool {
	_, ok := c.byID[strings.ToLower(id)]
	return ok
}

// Spec returns the catalog entry for a canonical id. Unknown ids get the Stable
// Diffusion 1.5 configuration under their own id.
func (c *Catalog) Spec(id string) ModelSpec {
	if i, ok := c.byID[strings.ToLower(id)]; ok {
		return c.models[i]
	}
	spec := c.models[c.byID[strings.ToLower(DefaultModel)]]
	spec.ID = id
	spec.Name = id
	spec.Aliases = nil
	return spec
}

// RecommendedSteps returns the step count used when a request carries the
// default step sentinel.
func (c *Catalog) RecommendedSteps(id string, d device.Device) int {
	return c.Spec(id).StepsFor(d)
}

// SchedulerFor returns the scheduler attached when id is loaded.
func (c *Catalog) SchedulerFor(id string) sdruntime.Scheduler {
	if s := c.Spec(id).Scheduler; s != "" {
		return s
	}
	return sdruntime.DefaultScheduler
}

// Models returns every spec sorted by display name.
func (c *Catalog) Models() []ModelSpec {
	out := append([]ModelSpec(nil), c.models...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PerformanceNote is the expected wall time shown by /models.
func (c *Catalog) PerformanceNote(id string, d device.Device) string {
	if p := c.Spec(id).Performance; p != "" {
		return p
	}
	switch d {
	case device.DML:
		return "25-40s"
	case device.CUDA:
		return "5-10s"
	default:
		return "20-30s"
	}
}

// ShortName is the last path segment of a model id, used in filenames.
func ShortName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}
