// Package backend defines the contract between the trial driver and the
// compute kernel that actually integrates the network.
//
// The kernel owns all neuron and synapse state. The driver never touches
// kernel memory directly: it asks for the current spike slot, the spikes in
// a slot, or the current row lengths, and the kernel answers through the
// accessors below. Every transfer call blocks until the requested data is
// visible on the host.
package backend

import (
	"context"
	"errors"
	"time"
)

// Fatal error kinds. Kernel failures are wrapped with one of these so the
// trial runner can report what broke.
var (
	// ErrAllocation reports that the kernel could not allocate its memory.
	ErrAllocation = errors.New("kernel allocation failed")

	// ErrTransfer reports a failed kernel-to-host memory transfer.
	ErrTransfer = errors.New("kernel transfer failed")

	// ErrStep reports a failed timestep invocation.
	ErrStep = errors.New("kernel step failed")
)

// SpikeSource exposes the excitatory population's delayed spike queue.
//
// QueueSlot returns the ring-buffer slot holding the spikes emitted by the
// most recent step. Spikes returns the host-visible indices of the neurons
// that spiked in that slot; the slice is owned by the kernel and is only
// valid until the next step.
type SpikeSource interface {
	PopulationSize() int
	QueueSlot() int
	Spikes(slot int) []uint32
}

// WeightSource exposes the padded row-major excitatory weight matrix.
//
// PullWeights and PullRowLengths copy kernel-resident state to host memory.
// Weights and RowLengths return the host copies; callers must not modify them.
type WeightSource interface {
	PopulationSize() int
	MaxRowLength() int
	PullWeights(ctx context.Context) error
	PullRowLengths(ctx context.Context) error
	Weights() []float32
	RowLengths() []uint32
}

// Kernel is the full set of operations the driver consumes from a compute
// kernel. Allocate, Initialize and InitializeSparse are one-shot setup calls
// and are invoked in that order. StepHost and StepDevice advance the network
// by one timestep on the host or on the accelerator; PullCurrentSpikes makes
// the spikes of the most recent device step visible on the host.
type Kernel interface {
	SpikeSource
	WeightSource

	Allocate(ctx context.Context) error
	Initialize(ctx context.Context) error
	InitializeSparse(ctx context.Context) error

	StepHost(ctx context.Context) error
	StepDevice(ctx context.Context) error
	PullCurrentSpikes(ctx context.Context) error
}

// Timings is implemented by kernels that measure their own work.
type Timings interface {
	KernelTimings() map[string]time.Duration
}
