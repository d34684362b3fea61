package imagegen

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"imagegen_backend/sdruntime"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureNone},
		{"oom sentinel", fmt.Errorf("run: %w", sdruntime.ErrOutOfMemory), FailureOOM},
		{"cuda oom text", errors.New("CUDA out of memory. Tried to allocate 1.50 GiB"), FailureOOM},
		{"not enough", errors.New("Not enough GPU video memory"), FailureOOM},
		{"allocate", errors.New("could not allocate tensor"), FailureOOM},
		{"backend sentinel", sdruntime.ErrBackendFault, FailureBackend},
		{"dml text", errors.New("DML operator failed"), FailureBackend},
		{"privateuseone", errors.New("tensor on privateuseone:0 is unsupported"), FailureBackend},
		{"cancelled", context.Canceled, FailureFatal},
		{"invalid params", sdruntime.ErrInvalidParams, FailureFatal},
		{"other", errors.New("NaN in latents"), FailureFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
