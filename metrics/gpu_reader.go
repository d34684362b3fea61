package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNvidiaSMIMissing is returned when the nvidia-smi binary is not on PATH.
var ErrNvidiaSMIMissing = errors.New("metrics: nvidia-smi not found")

// GPUReader reads a GPU sample. Implementations must honour ctx.
type GPUReader interface {
	ReadGPUMetrics(ctx context.Context) (GPUMetrics, error)
}

// NvidiaSMIReader queries the first GPU through nvidia-smi's CSV interface.
type NvidiaSMIReader struct {
	Path    string
	Timeout time.Duration
}

// NewNvidiaSMIReader returns a reader using nvidia-smi from PATH and a 5s timeout.
func NewNvidiaSMIReader() *NvidiaSMIReader {
	return &NvidiaSMIReader{Path: "nvidia-smi", Timeout: 5 * time.Second}
}

// ReadGPUMetrics runs nvidia-smi once.
func (r *NvidiaSMIReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	path := r.Path
	if path == "" {
		path = "nvidia-smi"
	}
	if _, err := exec.LookPath(path); err != nil {
		return GPUMetrics{}, ErrNvidiaSMIMissing
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=name,utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return GPUMetrics{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// parseNvidiaSMIOutput parses the first CSV row: name, util %, temp C, used MiB, total MiB.
func parseNvidiaSMIOutput(output string) (GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUMetrics{}, errors.New("empty nvidia-smi output")
	}

	reader := csv.NewReader(strings.NewReader(output))
	reader.TrimLeadingSpace = true
	record, err := reader.Read()
	if err != nil {
		return GPUMetrics{}, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(record) < 5 {
		return GPUMetrics{}, fmt.Errorf("unexpected field count: got %d, expected 5", len(record))
	}

	values := make([]float64, 4)
	for i, field := range record[1:5] {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return GPUMetrics{}, fmt.Errorf("failed to parse field %d (%q): %w", i+1, field, err)
		}
		values[i] = v
	}

	const mib = 1024 * 1024
	total := int64(values[3] * mib)
	used := int64(values[2] * mib)

	return GPUMetrics{
		Name:        strings.TrimSpace(record[0]),
		Utilization: values[0],
		Temperature: values[1],
		MemoryUsed:  used,
		MemoryTotal: total,
		MemoryFree:  total - used,
	}, nil
}
