// Package lif is a reference compute kernel: a single excitatory population
// of leaky integrate-and-fire neurons with Bernoulli external drive,
// recurrent connections stored as a padded row-major sparse matrix, and
// optional pair-based plasticity with pruning of weak synapses.
//
// The kernel keeps a "resident" copy of its state and a host copy. In
// accelerator mode the resident state is updated with per-neuron work
// spread over goroutines and only reaches the host through the Pull calls.
// In host mode both copies are the same memory, so pulls are free.
package lif

import "fmt"

// Params configures the network and its dynamics.
type Params struct {
	Population            int
	MaxRowLength          int
	ConnectionProbability float64
	DelaySteps            int
	TimestepMs            float64
	Seed                  uint64

	// MemoryLimitBytes caps what Allocate may reserve. Zero means no limit.
	MemoryLimitBytes int64

	TauMemMs    float64
	VRest       float64
	VReset      float64
	VThresh     float64
	RefracMs    float64
	InputRateHz float64
	InputWeight float64 // mV jump per external input spike

	InitWeight float32 // mV jump per recurrent spike
	MaxWeight  float32

	Plastic    bool
	APlus      float32
	AMinus     float32
	TauPlusMs  float64
	TauMinusMs float64

	Structural bool
	PruneBelow float32
	PruneEvery int // ticks between pruning passes

	// Workers bounds goroutines used for accelerator steps; 0 uses GOMAXPROCS.
	Workers int
}

// DefaultParams returns a small, moderately active network.
func DefaultParams() Params {
	return Params{
		Population:            1000,
		MaxRowLength:          200,
		ConnectionProbability: 0.1,
		DelaySteps:            10,
		TimestepMs:            0.1,
		Seed:                  1,

		TauMemMs:    20,
		VRest:       -70,
		VReset:      -70,
		VThresh:     -50,
		RefracMs:    2,
		InputRateHz: 2000,
		InputWeight: 0.7,

		InitWeight: 0.1,
		MaxWeight:  0.3,

		APlus:      0.001,
		AMinus:     0.00105,
		TauPlusMs:  20,
		TauMinusMs: 20,

		PruneBelow: 0.005,
		PruneEvery: 1000,
	}
}

// Validate checks that the parameters describe a runnable network.
func (p Params) Validate() error {
	if p.Population <= 0 {
		return fmt.Errorf("population must be positive, got %d", p.Population)
	}
	if p.MaxRowLength < 0 {
		return fmt.Errorf("max row length must be non-negative, got %d", p.MaxRowLength)
	}
	if p.ConnectionProbability < 0 || p.ConnectionProbability > 1 {
		return fmt.Errorf("connection probability must be in [0, 1], got %g", p.ConnectionProbability)
	}
	if p.DelaySteps <= 0 {
		return fmt.Errorf("delay steps must be positive, got %d", p.DelaySteps)
	}
	if p.TimestepMs <= 0 {
		return fmt.Errorf("timestep must be positive, got %g", p.TimestepMs)
	}
	if p.TauMemMs <= 0 {
		return fmt.Errorf("membrane time constant must be positive, got %g", p.TauMemMs)
	}
	if p.VThresh <= p.VReset {
		return fmt.Errorf("threshold %g must be above reset %g", p.VThresh, p.VReset)
	}
	if p.Structural && p.PruneEvery <= 0 {
		return fmt.Errorf("prune interval must be positive with structural plasticity, got %d", p.PruneEvery)
	}
	return nil
}

// footprint estimates the bytes Allocate reserves.
func (p Params) footprint(shared bool) int64 {
	n := int64(p.Population)
	syn := n * int64(p.MaxRowLength)
	queue := int64(p.DelaySteps) * (n + 1)
	// v, lastPost, lastPre (float64), inSyn (float64), refrac (int32)
	neurons := n*8*4 + n*4
	// weights (float32), column indices (uint32), row lengths (uint32)
	synapses := syn*4 + syn*4 + n*4
	total := neurons + synapses + queue*4
	if !shared {
		total += syn*4 + n*4 + queue*4
	}
	return total
}
