// Package recorder persists excitatory spikes inside the trailing
// recording window of a trial.
//
// Two stable on-disk layouts are supported:
//
//   - csv: a "time,id" header followed by one "<time ms>,<neuron index>" row
//     per spike. Times use the shortest decimal form that round-trips.
//   - arrow: an Arrow IPC stream with columns time (float64) and id (uint32),
//     written in record batches of up to BatchRows rows.
//
// Rows appear in tick order and, within a tick, in the order the kernel
// reported the spikes.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvandessel/spiketrial/internal/backend"
)

// Format selects the spike log layout.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatArrow Format = "arrow"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatArrow:
		return f, nil
	default:
		return "", fmt.Errorf("invalid spike log format %q (valid: csv, arrow)", s)
	}
}

// Event is one recorded spike.
type Event struct {
	Time float64
	ID   uint32
}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recorder is closed")

// encoder buffers spikes and writes them to the destination.
type encoder interface {
	write(t float64, ids []uint32) error
	close() error
}

// Recorder appends the spikes of the current delayed-queue slot to a log.
// It is owned by a single trial and is not safe for concurrent use.
type Recorder struct {
	path       string
	file       *os.File
	enc        encoder
	src        backend.SpikeSource
	population int
	events     int64
	closed     bool
}

// Create opens path for writing and returns a recorder reading spikes
// from src. The parent directory is created if needed.
func Create(path string, format Format, src backend.SpikeSource) (*Recorder, error) {
	if src.PopulationSize() <= 0 {
		return nil, fmt.Errorf("spike source has no neurons")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating spike log directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening spike log: %w", err)
	}

	var enc encoder
	switch format {
	case FormatCSV:
		enc, err = newCSVEncoder(f)
	case FormatArrow:
		enc, err = newArrowEncoder(f)
	default:
		err = fmt.Errorf("unsupported spike log format %q", format)
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return &Recorder{
		path:       path,
		file:       f,
		enc:        enc,
		src:        src,
		population: src.PopulationSize(),
	}, nil
}

// Path returns the destination path.
func (r *Recorder) Path() string {
	return r.path
}

// Events returns the number of spikes recorded so far.
func (r *Recorder) Events() int64 {
	return r.events
}

// Record appends one (t, id) row per neuron that spiked in the current
// queue slot. A tick without spikes writes nothing.
func (r *Recorder) Record(t float64) error {
	if r.closed {
		return ErrClosed
	}

	slot := r.src.QueueSlot()
	ids := r.src.Spikes(slot)
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		if int(id) >= r.population {
			return fmt.Errorf("spike index %d in slot %d outside population of %d", id, slot, r.population)
		}
	}

	if err := r.enc.write(t, ids); err != nil {
		return fmt.Errorf("writing spikes at t=%g: %w", t, err)
	}
	r.events += int64(len(ids))
	return nil
}

// Close flushes buffered spikes and closes the destination. It is safe to
// call more than once; only the first call does any work.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("flushing spike log: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("closing spike log: %w", fileErr)
	}
	return nil
}

// Eligible reports whether a tick starting at t falls inside the trailing
// window of windowMs at the end of a trial lasting durationMs.
func Eligible(t, durationMs, windowMs float64) bool {
	return t >= durationMs-windowMs
}

// Read loads a spike log written in format.
func Read(path string, format Format) ([]Event, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(path)
	case FormatArrow:
		return ReadArrow(path)
	default:
		return nil, fmt.Errorf("unsupported spike log format %q", format)
	}
}
