package sdruntime

import (
	"fmt"
	"strings"
)

// Scheduler names a diffusion noise scheduler.
type Scheduler string

const (
	SchedulerAuto   Scheduler = "auto"
	SchedulerDPMPP  Scheduler = "dpm++"
	SchedulerEulerA Scheduler = "euler_a"
	SchedulerDDIM   Scheduler = "ddim"
	SchedulerPNDM   Scheduler = "pndm"
)

// DefaultScheduler is what "auto" resolves to.
const DefaultScheduler = SchedulerDPMPP

// SchedulerInfo describes a scheduler for /models.
type SchedulerInfo struct {
	Name        Scheduler `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
}

// Schedulers lists the supported schedulers in display order.
var Schedulers = []SchedulerInfo{
	{SchedulerDPMPP, "DPM++ 2M", "recommended, good speed and quality"},
	{SchedulerEulerA, "Euler Ancestral", "best with SDXL Turbo and DreamShaper"},
	{SchedulerDDIM, "DDIM", "classic, slower"},
	{SchedulerPNDM, "PNDM", "original Stable Diffusion default"},
}

// ParseScheduler validates a scheduler name. The empty string means auto.
func ParseScheduler(name string) (Scheduler, error) {
	s := Scheduler(strings.ToLower(strings.TrimSpace(name)))
	if s == "" || s == SchedulerAuto {
		return SchedulerAuto, nil
	}
	for _, info := range Schedulers {
		if info.Name == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown scheduler %q (want auto, dpm++, euler_a, ddim or pndm)", ErrInvalidParams, name)
}

// ResolveScheduler maps a requested scheduler to the one actually attached to
// modelID: auto becomes dpm++, and DreamShaper models swap dpm++ for Euler
// Ancestral, which they are tuned for.
func ResolveScheduler(requested Scheduler, modelID string) Scheduler {
	s := requested
	if s == "" || s == SchedulerAuto {
		s = DefaultScheduler
	}
	if s == SchedulerDPMPP && strings.Contains(strings.ToLower(modelID), "dreamshaper") {
		return SchedulerEulerA
	}
	return s
}
