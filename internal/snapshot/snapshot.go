// Package snapshot extracts the final excitatory weight matrix from a kernel
// and writes it without row padding.
//
// A snapshot directory holds three files:
//
//	weights.bin     little-endian float32 weights, rows concatenated in
//	                population order, rowLength[i] values per row
//	rowlengths.bin  little-endian uint32 rowLength per source neuron
//	weights.json    Manifest describing both files
//
// Row boundaries are not framed in weights.bin; they are recovered from
// rowlengths.bin.
package snapshot

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/nvandessel/spiketrial/internal/backend"
)

// File names inside a snapshot directory.
const (
	WeightsFile    = "weights.bin"
	RowLengthsFile = "rowlengths.bin"
	ManifestFile   = "weights.json"
)

// FormatV1 is the current snapshot layout version.
const FormatV1 = 1

// Manifest describes a snapshot. It carries no timestamps so repeated
// extraction of unchanged state produces identical bytes.
type Manifest struct {
	Version      int    `json:"version"`
	Population   int    `json:"population"`
	MaxRowLength int    `json:"max_row_length"`
	Synapses     int    `json:"synapses"`
	DType        string `json:"dtype"`
	ByteOrder    string `json:"byte_order"`
	Checksum     string `json:"checksum"`
}

// Extract pulls weights and current row lengths from src and writes a
// snapshot into dir. Row lengths are always re-read from the kernel since
// structural plasticity may have changed them during the trial.
func Extract(ctx context.Context, src backend.WeightSource, dir string) (*Manifest, error) {
	if err := src.PullWeights(ctx); err != nil {
		return nil, fmt.Errorf("%w: pulling weights: %w", backend.ErrTransfer, err)
	}
	if err := src.PullRowLengths(ctx); err != nil {
		return nil, fmt.Errorf("%w: pulling row lengths: %w", backend.ErrTransfer, err)
	}

	rowLengths := src.RowLengths()
	if len(rowLengths) != src.PopulationSize() {
		return nil, fmt.Errorf("kernel returned %d row lengths for population of %d", len(rowLengths), src.PopulationSize())
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	// Nothing is renamed into place until all three files are written.
	st := &staging{dir: dir}
	defer st.cleanup()

	hash := sha256.New()
	var synapses int
	err := st.write(WeightsFile, func(w io.Writer) error {
		var err error
		synapses, err = Write(io.MultiWriter(w, hash), src.Weights(), rowLengths, src.MaxRowLength())
		if err != nil {
			return fmt.Errorf("writing weights: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = st.write(RowLengthsFile, func(w io.Writer) error {
		data := make([]byte, 0, 4*len(rowLengths))
		for _, rl := range rowLengths {
			data = binary.LittleEndian.AppendUint32(data, rl)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing row lengths: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:      FormatV1,
		Population:   len(rowLengths),
		MaxRowLength: src.MaxRowLength(),
		Synapses:     synapses,
		DType:        "float32",
		ByteOrder:    "little",
		Checksum:     "sha256:" + hex.EncodeToString(hash.Sum(nil)),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	err = st.write(ManifestFile, func(w io.Writer) error {
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := st.commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// staging holds snapshot files written under temporary names in dir.
type staging struct {
	dir   string
	names []string // final names, in write order
	temps []string
}

// write creates a temporary file for name and fills it with fn.
func (s *staging) write(name string, fn func(w io.Writer) error) error {
	f, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	s.names = append(s.names, name)
	s.temps = append(s.temps, f.Name())

	writeErr := fn(f)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", name, closeErr)
	}
	return nil
}

// commit renames every staged file to its final name.
func (s *staging) commit() error {
	for i, tmp := range s.temps {
		if err := os.Chmod(tmp, 0644); err != nil {
			return fmt.Errorf("publishing %s: %w", s.names[i], err)
		}
	}
	for i, tmp := range s.temps {
		if err := os.Rename(tmp, filepath.Join(s.dir, s.names[i])); err != nil {
			return fmt.Errorf("publishing %s: %w", s.names[i], err)
		}
		s.temps[i] = ""
	}
	return nil
}

// cleanup removes staged files that were never committed.
func (s *staging) cleanup() {
	for _, tmp := range s.temps {
		if tmp != "" {
			os.Remove(tmp)
		}
	}
}

// Write streams the first rowLengths[i] weights of every row of a padded
// matrix with stride maxRowLength. It returns the number of weights written.
func Write(w io.Writer, weights []float32, rowLengths []uint32, maxRowLength int) (int, error) {
	if maxRowLength < 0 {
		return 0, fmt.Errorf("negative max row length %d", maxRowLength)
	}
	if need := len(rowLengths) * maxRowLength; len(weights) < need {
		return 0, fmt.Errorf("weight buffer holds %d values, need %d", len(weights), need)
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	var buf [4]byte
	n := 0
	for i, rl := range rowLengths {
		if int(rl) > maxRowLength {
			return n, fmt.Errorf("row %d length %d exceeds max row length %d", i, rl, maxRowLength)
		}
		row := weights[i*maxRowLength : i*maxRowLength+int(rl)]
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return n, err
			}
		}
		n += len(row)
	}
	return n, bw.Flush()
}
