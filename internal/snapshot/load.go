package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Snapshot is a loaded weight snapshot with rows reconstructed.
type Snapshot struct {
	Manifest   Manifest
	RowLengths []uint32
	Rows       [][]float32
}

// Load reads a snapshot directory, verifies the weights checksum and
// splits the flat weight stream back into rows.
func Load(dir string) (*Snapshot, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Version != FormatV1 {
		return nil, fmt.Errorf("unsupported snapshot version %d", m.Version)
	}

	rlData, err := os.ReadFile(filepath.Join(dir, RowLengthsFile))
	if err != nil {
		return nil, fmt.Errorf("reading row lengths: %w", err)
	}
	if len(rlData)%4 != 0 {
		return nil, fmt.Errorf("row length file size %d is not a multiple of 4", len(rlData))
	}
	rowLengths := make([]uint32, len(rlData)/4)
	for i := range rowLengths {
		rowLengths[i] = binary.LittleEndian.Uint32(rlData[i*4:])
	}
	if len(rowLengths) != m.Population {
		return nil, fmt.Errorf("row length file has %d rows, manifest says %d", len(rowLengths), m.Population)
	}

	wData, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("reading weights: %w", err)
	}
	hash := sha256.Sum256(wData)
	if actual := "sha256:" + hex.EncodeToString(hash[:]); actual != m.Checksum {
		return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", m.Checksum, actual)
	}

	rows, err := Reconstruct(wData, rowLengths)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Manifest: m, RowLengths: rowLengths, Rows: rows}, nil
}

// Reconstruct splits a little-endian float32 stream into rows using
// rowLengths. The stream must hold exactly sum(rowLengths) values.
func Reconstruct(data []byte, rowLengths []uint32) ([][]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("weight stream size %d is not a multiple of 4", len(data))
	}
	var total int
	for _, rl := range rowLengths {
		total += int(rl)
	}
	if total != len(data)/4 {
		return nil, fmt.Errorf("weight stream holds %d values, row lengths sum to %d", len(data)/4, total)
	}

	rows := make([][]float32, len(rowLengths))
	off := 0
	for i, rl := range rowLengths {
		row := make([]float32, rl)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		rows[i] = row
	}
	return rows, nil
}

// Values returns every weight in row order.
func (s *Snapshot) Values() []float32 {
	out := make([]float32, 0, s.Manifest.Synapses)
	for _, row := range s.Rows {
		out = append(out, row...)
	}
	return out
}
