package lif

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/spiketrial/internal/backend"
)

var errLifecycle = errors.New("kernel used out of order")

// buffers is one copy of the state the driver can see.
type buffers struct {
	spkCnt    []uint32 // per queue slot
	spk       []uint32 // DelaySteps * Population
	weights   []float32
	rowLength []uint32
}

// Kernel implements backend.Kernel.
type Kernel struct {
	p      Params
	shared bool

	dev  buffers
	host buffers

	v        []float64
	inSyn    []float64
	refrac   []int32
	lastPost []float64
	lastPre  []float64
	ind      []uint32

	// post neuron -> synapse offsets into weights; rebuilt after pruning
	cols      [][]int
	colsDirty bool

	queuePtr    int
	tick        int64
	refracSteps int32

	allocated, initialized, sparseReady bool

	timings map[string]time.Duration
}

var _ backend.Kernel = (*Kernel)(nil)
var _ backend.Timings = (*Kernel)(nil)

// New returns an unallocated kernel for mode.
func New(p Params, mode backend.Mode) (*Kernel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Kernel{
		p:       p,
		shared:  mode == backend.ModeHost,
		timings: make(map[string]time.Duration),
	}, nil
}

// Allocate reserves all network memory.
func (k *Kernel) Allocate(ctx context.Context) error {
	if k.allocated {
		return fmt.Errorf("%w: already allocated", errLifecycle)
	}
	if lim := k.p.MemoryLimitBytes; lim > 0 {
		if need := k.p.footprint(k.shared); need > lim {
			return fmt.Errorf("network needs %d bytes, limit is %d", need, lim)
		}
	}

	n := k.p.Population
	syn := n * k.p.MaxRowLength
	k.dev = buffers{
		spkCnt:    make([]uint32, k.p.DelaySteps),
		spk:       make([]uint32, k.p.DelaySteps*n),
		weights:   make([]float32, syn),
		rowLength: make([]uint32, n),
	}
	if k.shared {
		k.host = k.dev
	} else {
		k.host = buffers{
			spkCnt:    make([]uint32, k.p.DelaySteps),
			spk:       make([]uint32, k.p.DelaySteps*n),
			weights:   make([]float32, syn),
			rowLength: make([]uint32, n),
		}
	}
	k.v = make([]float64, n)
	k.inSyn = make([]float64, n)
	k.refrac = make([]int32, n)
	k.lastPost = make([]float64, n)
	k.lastPre = make([]float64, n)
	k.ind = make([]uint32, syn)
	k.allocated = true
	return nil
}

// Initialize sets membrane potentials and clears spike history.
func (k *Kernel) Initialize(ctx context.Context) error {
	if !k.allocated || k.initialized {
		return fmt.Errorf("%w: initialize", errLifecycle)
	}
	rng := rand.New(rand.NewPCG(k.p.Seed, 0x9e3779b97f4a7c15))
	span := k.p.VThresh - k.p.VReset
	for i := range k.v {
		k.v[i] = k.p.VReset + rng.Float64()*span
		k.lastPost[i] = math.Inf(-1)
		k.lastPre[i] = math.Inf(-1)
	}
	k.refracSteps = int32(math.Round(k.p.RefracMs / k.p.TimestepMs))
	k.queuePtr = 0
	k.tick = 0
	k.initialized = true
	return nil
}

// InitializeSparse draws fixed-probability connectivity without autapses.
// Rows are capped at MaxRowLength.
func (k *Kernel) InitializeSparse(ctx context.Context) error {
	if !k.initialized || k.sparseReady {
		return fmt.Errorf("%w: sparse init", errLifecycle)
	}
	rng := rand.New(rand.NewPCG(k.p.Seed, 0xbf58476d1ce4e5b9))
	n, stride := k.p.Population, k.p.MaxRowLength
	for pre := 0; pre < n; pre++ {
		base := pre * stride
		var rl int
		for post := 0; post < n && rl < stride; post++ {
			if post == pre || rng.Float64() >= k.p.ConnectionProbability {
				continue
			}
			k.ind[base+rl] = uint32(post)
			k.dev.weights[base+rl] = k.p.InitWeight
			rl++
		}
		k.dev.rowLength[pre] = uint32(rl)
	}
	k.colsDirty = true
	k.sparseReady = true
	if !k.shared {
		// Sparse init runs host-side and is uploaded once.
		copy(k.host.weights, k.dev.weights)
		copy(k.host.rowLength, k.dev.rowLength)
	}
	return nil
}

// StepHost advances one timestep on the calling goroutine.
func (k *Kernel) StepHost(ctx context.Context) error {
	return k.step(ctx, 1)
}

// StepDevice advances one timestep, spreading neuron updates over workers.
func (k *Kernel) StepDevice(ctx context.Context) error {
	workers := k.p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return k.step(ctx, workers)
}

// PullCurrentSpikes copies the most recent queue slot to the host.
func (k *Kernel) PullCurrentSpikes(ctx context.Context) error {
	if !k.sparseReady {
		return fmt.Errorf("%w: pull spikes", errLifecycle)
	}
	if k.shared {
		return nil
	}
	slot := k.queuePtr
	n := k.p.Population
	cnt := k.dev.spkCnt[slot]
	k.host.spkCnt[slot] = cnt
	copy(k.host.spk[slot*n:slot*n+int(cnt)], k.dev.spk[slot*n:slot*n+int(cnt)])
	return nil
}

// PullWeights copies the resident weight matrix to the host.
func (k *Kernel) PullWeights(ctx context.Context) error {
	if !k.sparseReady {
		return fmt.Errorf("%w: pull weights", errLifecycle)
	}
	if !k.shared {
		copy(k.host.weights, k.dev.weights)
	}
	return nil
}

// PullRowLengths copies the resident row lengths to the host.
func (k *Kernel) PullRowLengths(ctx context.Context) error {
	if !k.sparseReady {
		return fmt.Errorf("%w: pull row lengths", errLifecycle)
	}
	if !k.shared {
		copy(k.host.rowLength, k.dev.rowLength)
	}
	return nil
}

func (k *Kernel) PopulationSize() int { return k.p.Population }
func (k *Kernel) MaxRowLength() int   { return k.p.MaxRowLength }
func (k *Kernel) QueueSlot() int      { return k.queuePtr }

// Spikes returns the host view of the spikes in slot.
func (k *Kernel) Spikes(slot int) []uint32 {
	n := k.p.Population
	return k.host.spk[slot*n : slot*n+int(k.host.spkCnt[slot])]
}

func (k *Kernel) Weights() []float32   { return k.host.weights }
func (k *Kernel) RowLengths() []uint32 { return k.host.rowLength }

// KernelTimings reports cumulative time spent in each part of the step.
func (k *Kernel) KernelTimings() map[string]time.Duration {
	out := make(map[string]time.Duration, len(k.timings))
	for name, d := range k.timings {
		out[name] = d
	}
	return out
}

func (k *Kernel) step(ctx context.Context, workers int) error {
	if !k.sparseReady {
		return fmt.Errorf("%w: step before sparse init", errLifecycle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n := k.p.Population
	t := float64(k.tick) * k.p.TimestepMs
	slot := (k.queuePtr + 1) % k.p.DelaySteps

	start := time.Now()
	k.deliver(slot, t)
	k.timings["synapse"] += time.Since(start)

	start = time.Now()
	spikes, err := k.updateNeurons(ctx, workers)
	if err != nil {
		return err
	}
	copy(k.dev.spk[slot*n:], spikes)
	k.dev.spkCnt[slot] = uint32(len(spikes))
	k.timings["neuron"] += time.Since(start)

	if k.p.Plastic {
		start = time.Now()
		k.potentiate(spikes, t)
		if k.p.Structural && (k.tick+1)%int64(k.p.PruneEvery) == 0 {
			k.prune()
		}
		k.timings["learning"] += time.Since(start)
	}
	for _, post := range spikes {
		k.lastPost[post] = t
	}

	k.queuePtr = slot
	k.tick++
	return nil
}

// deliver applies spikes emitted DelaySteps ticks ago, stored in slot.
func (k *Kernel) deliver(slot int, t float64) {
	n, stride := k.p.Population, k.p.MaxRowLength
	cnt := int(k.dev.spkCnt[slot])
	for _, pre := range k.dev.spk[slot*n : slot*n+cnt] {
		base := int(pre) * stride
		rl := int(k.dev.rowLength[pre])
		for j := base; j < base+rl; j++ {
			post := k.ind[j]
			k.inSyn[post] += float64(k.dev.weights[j])
			if k.p.Plastic {
				dep := k.p.AMinus * float32(math.Exp(-(t-k.lastPost[post])/k.p.TauMinusMs))
				k.dev.weights[j] = max(k.dev.weights[j]-dep, 0)
			}
		}
		k.lastPre[pre] = t
	}
	k.dev.spkCnt[slot] = 0
}

// updateNeurons integrates every neuron and returns the spiking indices
// in ascending order. Chunks are independent so the result does not depend
// on the worker count.
func (k *Kernel) updateNeurons(ctx context.Context, workers int) ([]uint32, error) {
	n := k.p.Population
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	parts := make([][]uint32, workers)

	if workers == 1 {
		parts[0] = k.updateRange(0, n)
	} else {
		g, _ := errgroup.WithContext(ctx)
		for w := 0; w < workers; w++ {
			lo, hi := w*chunk, min((w+1)*chunk, n)
			g.Go(func() error {
				parts[w] = k.updateRange(lo, hi)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var spikes []uint32
	for _, p := range parts {
		spikes = append(spikes, p...)
	}
	return spikes, nil
}

func (k *Kernel) updateRange(lo, hi int) []uint32 {
	dt := k.p.TimestepMs
	pIn := k.p.InputRateHz * dt / 1000.0
	var out []uint32
	for i := lo; i < hi; i++ {
		in := k.inSyn[i]
		k.inSyn[i] = 0
		if k.refrac[i] > 0 {
			k.refrac[i]--
			k.v[i] = k.p.VReset
			continue
		}
		if uniform(k.p.Seed, k.tick, i) < pIn {
			in += k.p.InputWeight
		}
		k.v[i] += dt*(k.p.VRest-k.v[i])/k.p.TauMemMs + in
		if k.v[i] >= k.p.VThresh {
			k.v[i] = k.p.VReset
			k.refrac[i] = k.refracSteps
			out = append(out, uint32(i))
		}
	}
	return out
}

// potentiate strengthens synapses onto neurons that just spiked, scaled by
// how recently their presynaptic spike arrived.
func (k *Kernel) potentiate(spikes []uint32, t float64) {
	if len(spikes) == 0 {
		return
	}
	if k.colsDirty {
		k.buildColumns()
	}
	stride := k.p.MaxRowLength
	for _, post := range spikes {
		for _, j := range k.cols[post] {
			pre := j / stride
			pot := k.p.APlus * float32(math.Exp(-(t-k.lastPre[pre])/k.p.TauPlusMs))
			k.dev.weights[j] = min(k.dev.weights[j]+pot, k.p.MaxWeight)
		}
	}
}

// prune drops synapses below PruneBelow by moving each row's last synapse
// into the freed position, shrinking its row length.
func (k *Kernel) prune() {
	stride := k.p.MaxRowLength
	for pre := range k.dev.rowLength {
		base := pre * stride
		rl := int(k.dev.rowLength[pre])
		for j := 0; j < rl; {
			if k.dev.weights[base+j] >= k.p.PruneBelow {
				j++
				continue
			}
			last := base + rl - 1
			k.dev.weights[base+j] = k.dev.weights[last]
			k.ind[base+j] = k.ind[last]
			rl--
			k.colsDirty = true
		}
		k.dev.rowLength[pre] = uint32(rl)
	}
}

func (k *Kernel) buildColumns() {
	stride := k.p.MaxRowLength
	k.cols = make([][]int, k.p.Population)
	for pre, rl := range k.dev.rowLength {
		base := pre * stride
		for j := base; j < base+int(rl); j++ {
			post := k.ind[j]
			k.cols[post] = append(k.cols[post], j)
		}
	}
	k.colsDirty = false
}

// uniform hashes (seed, tick, neuron) to [0, 1) so external drive is the
// same whichever worker integrates a neuron.
func uniform(seed uint64, tick int64, neuron int) float64 {
	x := seed ^ uint64(tick)*0x9e3779b97f4a7c15 ^ uint64(neuron)*0xc2b2ae3d27d4eb4f
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return float64(x>>11) / (1 << 53)
}
