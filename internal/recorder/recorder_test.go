package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// queueSource is a spike source with a ring of slots. Only the slot named
// by ptr is meant to be read.
type queueSource struct {
	n     int
	ptr   int
	slots [][]uint32
}

func (q *queueSource) PopulationSize() int      { return q.n }
func (q *queueSource) QueueSlot() int           { return q.ptr }
func (q *queueSource) Spikes(slot int) []uint32 { return q.slots[slot] }

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{"ARROW", FormatArrow, false},
		{"parquet", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRecordReadsCurrentSlotOnly(t *testing.T) {
	src := &queueSource{
		n: 10,
		slots: [][]uint32{
			{1, 2},
			{9},
			{3, 4, 5},
		},
	}
	path := filepath.Join(t.TempDir(), "spikes.csv")
	rec, err := Create(path, FormatCSV, src)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	src.ptr = 2
	if err := rec.Record(0.5); err != nil {
		t.Fatalf("Record: %v", err)
	}
	src.ptr = 1
	if err := rec.Record(1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "time,id\n0.5,3\n0.5,4\n0.5,5\n1,9\n"
	if string(data) != want {
		t.Errorf("spike log = %q, want %q", data, want)
	}
	if rec.Events() != 4 {
		t.Errorf("Events() = %d, want 4", rec.Events())
	}
}

func TestRecordZeroSpikes(t *testing.T) {
	src := &queueSource{n: 4, slots: [][]uint32{nil, {}}}
	for _, format := range []Format{FormatCSV, FormatArrow} {
		t.Run(string(format), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "spikes")
			rec, err := Create(path, format, src)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			for i := 0; i < 100; i++ {
				src.ptr = i % 2
				if err := rec.Record(float64(i)); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}
			if err := rec.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			events, err := Read(path, format)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(events) != 0 {
				t.Errorf("got %d events, want 0", len(events))
			}
		})
	}
}

func TestArrowLogMatchesCSVLog(t *testing.T) {
	src := &queueSource{n: 100, slots: make([][]uint32, 3)}
	dir := t.TempDir()
	csvRec, err := Create(filepath.Join(dir, "spikes.csv"), FormatCSV, src)
	if err != nil {
		t.Fatalf("Create csv: %v", err)
	}
	arrowRec, err := Create(filepath.Join(dir, "spikes.arrow"), FormatArrow, src)
	if err != nil {
		t.Fatalf("Create arrow: %v", err)
	}

	// Enough ticks to span several Arrow batches.
	ticks := (2*BatchRows)/50 + 7
	for i := 0; i < ticks; i++ {
		src.ptr = i % 3
		ids := make([]uint32, 50)
		for j := range ids {
			ids[j] = uint32((i + j*7) % 100)
		}
		src.slots[src.ptr] = ids
		tm := float64(i) * 0.1
		if err := csvRec.Record(tm); err != nil {
			t.Fatalf("csv Record: %v", err)
		}
		if err := arrowRec.Record(tm); err != nil {
			t.Fatalf("arrow Record: %v", err)
		}
	}
	if err := csvRec.Close(); err != nil {
		t.Fatalf("csv Close: %v", err)
	}
	if err := arrowRec.Close(); err != nil {
		t.Fatalf("arrow Close: %v", err)
	}

	fromCSV, err := ReadCSV(csvRec.Path())
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	fromArrow, err := ReadArrow(arrowRec.Path())
	if err != nil {
		t.Fatalf("ReadArrow: %v", err)
	}
	if len(fromCSV) != ticks*50 {
		t.Fatalf("csv has %d events, want %d", len(fromCSV), ticks*50)
	}
	if len(fromArrow) != len(fromCSV) {
		t.Fatalf("arrow has %d events, csv has %d", len(fromArrow), len(fromCSV))
	}
	for i := range fromCSV {
		if fromCSV[i] != fromArrow[i] {
			t.Fatalf("event %d: csv %+v, arrow %+v", i, fromCSV[i], fromArrow[i])
		}
	}
}

func TestRecordRejectsOutOfRangeIndex(t *testing.T) {
	src := &queueSource{n: 3, slots: [][]uint32{{0, 3}}}
	rec, err := Create(filepath.Join(t.TempDir(), "spikes.csv"), FormatCSV, src)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer rec.Close()

	if err := rec.Record(0); err == nil {
		t.Error("expected error for spike index outside population")
	}
}

func TestRecordAfterClose(t *testing.T) {
	src := &queueSource{n: 3, slots: [][]uint32{{1}}}
	rec, err := Create(filepath.Join(t.TempDir(), "spikes.csv"), FormatCSV, src)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := rec.Record(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Record after Close = %v, want ErrClosed", err)
	}
}

func TestCreateFailsOnDirectory(t *testing.T) {
	dir := t.TempDir()
	src := &queueSource{n: 1, slots: [][]uint32{nil}}
	if _, err := Create(dir, FormatCSV, src); err == nil {
		t.Error("expected error when destination is a directory")
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		t, duration, window float64
		want                bool
	}{
		{2999, 5000, 2000, false},
		{3000, 5000, 2000, true},
		{4999, 5000, 2000, true},
		{0, 5000, 5000, true},
		{0, 5000, 60000, true},
	}
	for _, tt := range tests {
		if got := Eligible(tt.t, tt.duration, tt.window); got != tt.want {
			t.Errorf("Eligible(%g, %g, %g) = %v, want %v", tt.t, tt.duration, tt.window, got, tt.want)
		}
	}
}

func TestReadCSVRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("t,neuron\n1,2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadCSV(path); err == nil {
		t.Error("expected header error")
	}
}
