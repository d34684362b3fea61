package sdruntime

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"imagegen_backend/device"
)

// StubOptions shapes the behaviour of stub pipelines.
type StubOptions struct {
	// StepDelay is slept per inference step, to approximate real latency.
	StepDelay time.Duration

	// MaxPixels makes generation on a device fail with ErrOutOfMemory when
	// width*height exceeds the limit. Zero means unlimited.
	MaxPixels map[device.Device]int

	// FaultyDevices fail every generation with ErrBackendFault.
	FaultyDevices map[device.Device]bool
}

// StubLoader builds in-process placeholder pipelines.
type StubLoader struct {
	opts StubOptions

	mu    sync.Mutex
	loads map[string]int
}

// NewStubLoader creates a loader for stub pipelines.
func NewStubLoader(opts StubOptions) *StubLoader {
	return &StubLoader{opts: opts, loads: make(map[string]int)}
}

// Load returns a new stub pipeline for modelID.
func (l *StubLoader) Load(ctx context.Context, modelID string, opts LoadOptions) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("%w: empty model id", ErrModelNotFound)
	}
	l.mu.Lock()
	l.loads[modelID]++
	l.mu.Unlock()
	return &stubPipeline{model: modelID, dtype: opts.DType, opts: l.opts, device: device.CPU, scheduler: SchedulerPNDM}, nil
}

// Loads reports how many times modelID was constructed.
func (l *StubLoader) Loads(modelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[modelID]
}

type stubPipeline struct {
	model     string
	dtype     DType
	opts      StubOptions
	device    device.Device
	scheduler Scheduler
	enabled   []Optimization
	closed    bool
}

func (p *stubPipeline) MoveTo(_ context.Context, d device.Device) error {
	if p.closed {
		return ErrPipelineClosed
	}
	p.device = d
	return nil
}

func (p *stubPipeline) Enable(_ context.Context, opt Optimization) error {
	if opt == XFormers {
		return fmt.Errorf("xformers is not installed")
	}
	p.enabled = append(p.enabled, opt)
	return nil
}

func (p *stubPipeline) SetScheduler(_ context.Context, s Scheduler) error {
	p.scheduler = s
	return nil
}

func (p *stubPipeline) ReleaseMemory(context.Context) error { return nil }

func (p *stubPipeline) Close() error {
	p.closed = true
	return nil
}

func (p *stubPipeline) Generate(ctx context.Context, inv Invocation) ([]byte, error) {
	if p.closed {
		return nil, ErrPipelineClosed
	}
	if p.opts.FaultyDevices[p.device] {
		return nil, fmt.Errorf("%w: operator not supported on privateuseone:0", ErrBackendFault)
	}
	if limit := p.opts.MaxPixels[p.device]; limit > 0 && inv.Width*inv.Height > limit {
		return nil, fmt.Errorf("%w: not enough memory to allocate %dx%d latents on %s", ErrOutOfMemory, inv.Width, inv.Height, p.device)
	}

	for i := 0; i < inv.Steps && p.opts.StepDelay > 0; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.StepDelay):
		}
	}
	return renderPlaceholder(p.model, p.device, inv)
}

// renderPlaceholder draws a gradient derived from prompt and seed with the
// prompt and parameters written on top. Same inputs give the same bytes.
func renderPlaceholder(model string, d device.Device, inv Invocation) ([]byte, error) {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", inv.Prompt, inv.Seed)
	sum := h.Sum64()
	base := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, inv.Width, inv.Height))
	for y := 0; y < inv.Height; y++ {
		shade := uint8(y * 255 / inv.Height)
		for x := 0; x < inv.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: base.R ^ shade,
				G: base.G ^ uint8(x*255/inv.Width),
				B: base.B,
				A: 0xff,
			})
		}
	}

	lines := wrapText(inv.Prompt, (inv.Width-16)/7)
	lines = append(lines, "", fmt.Sprintf("%s on %s", model, d), fmt.Sprintf("%d steps, cfg %.1f", inv.Steps, inv.GuidanceScale))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(8, 20+i*15)
		drawer.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return buf.Bytes(), nil
}

func wrapText(s string, width int) []string {
	if width < 8 {
		width = 8
	}
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
