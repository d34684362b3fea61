package imagegen

import (
	"context"
	"errors"
	"strings"

	"imagegen_backend/sdruntime"
)

// FailureClass decides which fallback a failed invocation gets.
type FailureClass string

const (
	FailureNone    FailureClass = "none"
	FailureOOM     FailureClass = "oom"
	FailureBackend FailureClass = "backend"
	FailureFatal   FailureClass = "fatal"
)

// Classify maps an invocation error to its failure class. Typed sentinels
// win; otherwise the message is matched the way backend errors are worded.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureFatal
	}
	if errors.Is(err, sdruntime.ErrOutOfMemory) {
		return FailureOOM
	}
	if errors.Is(err, sdruntime.ErrBackendFault) {
		return FailureBackend
	}
	if errors.Is(err, sdruntime.ErrInvalidParams) || errors.Is(err, sdruntime.ErrInvalidPrompt) {
		return FailureFatal
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"memory", "not enough", "allocate"} {
		if strings.Contains(msg, s) {
			return FailureOOM
		}
	}
	for _, s := range []string{"dml", "privateuseone"} {
		if strings.Contains(msg, s) {
			return FailureBackend
		}
	}
	return FailureFatal
}
