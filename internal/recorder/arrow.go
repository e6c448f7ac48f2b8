package recorder

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// BatchRows is the number of spikes buffered before an Arrow record batch
// is written.
const BatchRows = 64 * 1024

var spikeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "time", Type: arrow.PrimitiveTypes.Float64},
	{Name: "id", Type: arrow.PrimitiveTypes.Uint32},
}, nil)

type arrowEncoder struct {
	writer  *ipc.Writer
	builder *array.RecordBuilder
	times   *array.Float64Builder
	ids     *array.Uint32Builder
	rows    int
}

func newArrowEncoder(w io.Writer) (*arrowEncoder, error) {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, spikeSchema)
	b.Reserve(BatchRows)
	return &arrowEncoder{
		writer:  ipc.NewWriter(w, ipc.WithSchema(spikeSchema), ipc.WithAllocator(mem)),
		builder: b,
		times:   b.Field(0).(*array.Float64Builder),
		ids:     b.Field(1).(*array.Uint32Builder),
	}, nil
}

func (e *arrowEncoder) write(t float64, ids []uint32) error {
	for _, id := range ids {
		e.times.Append(t)
		e.ids.Append(id)
		e.rows++
		if e.rows == BatchRows {
			if err := e.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *arrowEncoder) flush() error {
	if e.rows == 0 {
		return nil
	}
	rec := e.builder.NewRecord()
	defer rec.Release()
	e.rows = 0
	if err := e.writer.Write(rec); err != nil {
		return fmt.Errorf("writing arrow batch: %w", err)
	}
	return nil
}

func (e *arrowEncoder) close() error {
	defer e.builder.Release()
	if err := e.flush(); err != nil {
		e.writer.Close()
		return err
	}
	return e.writer.Close()
}

// ReadArrow parses an Arrow IPC spike log.
func ReadArrow(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spike log: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("reading arrow stream: %w", err)
	}
	defer r.Release()

	if !r.Schema().Equal(spikeSchema) {
		return nil, fmt.Errorf("unexpected spike log schema: %s", r.Schema())
	}

	var events []Event
	for r.Next() {
		rec := r.Record()
		times := rec.Column(0).(*array.Float64)
		ids := rec.Column(1).(*array.Uint32)
		for i := 0; i < int(rec.NumRows()); i++ {
			events = append(events, Event{Time: times.Value(i), ID: ids.Value(i)})
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("reading arrow batch: %w", err)
	}
	return events, nil
}
