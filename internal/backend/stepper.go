package backend

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects where the kernel runs each timestep.
type Mode int

const (
	// ModeAccelerator offloads the step to the accelerator and pulls the
	// spike buffer back after every step.
	ModeAccelerator Mode = iota
	// ModeHost runs the step on the host; spikes are already host-visible.
	ModeHost
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAccelerator:
		return "accelerator"
	case ModeHost:
		return "host"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
// Accepts "accelerator" (or "gpu") and "host" (or "cpu"), case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accelerator", "gpu":
		return ModeAccelerator, nil
	case "host", "cpu":
		return ModeHost, nil
	default:
		return 0, fmt.Errorf("invalid mode %q (valid: accelerator, host)", s)
	}
}

// Stepper advances a kernel by exactly one timestep. When Step returns
// without error the spikes of that timestep are visible through the
// kernel's SpikeSource.
type Stepper interface {
	Step(ctx context.Context) error
	Mode() Mode
}

// NewStepper returns the Stepper implementation for mode.
func NewStepper(mode Mode, k Kernel) (Stepper, error) {
	switch mode {
	case ModeAccelerator:
		return &acceleratorStepper{kernel: k}, nil
	case ModeHost:
		return &hostStepper{kernel: k}, nil
	default:
		return nil, fmt.Errorf("no stepper for %v", mode)
	}
}

type acceleratorStepper struct {
	kernel Kernel
}

func (s *acceleratorStepper) Step(ctx context.Context) error {
	if err := s.kernel.StepDevice(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStep, err)
	}
	if err := s.kernel.PullCurrentSpikes(ctx); err != nil {
		return fmt.Errorf("%w: pulling current spikes: %w", ErrTransfer, err)
	}
	return nil
}

func (s *acceleratorStepper) Mode() Mode { return ModeAccelerator }

type hostStepper struct {
	kernel Kernel
}

func (s *hostStepper) Step(ctx context.Context) error {
	if err := s.kernel.StepHost(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStep, err)
	}
	return nil
}

func (s *hostStepper) Mode() Mode { return ModeHost }
