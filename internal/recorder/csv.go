package recorder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const csvHeader = "time,id\n"

// csvBufferSize keeps write syscalls to roughly one per few thousand rows.
const csvBufferSize = 256 * 1024

type csvEncoder struct {
	w   *bufio.Writer
	row []byte
}

func newCSVEncoder(w io.Writer) (*csvEncoder, error) {
	bw := bufio.NewWriterSize(w, csvBufferSize)
	if _, err := bw.WriteString(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	return &csvEncoder{w: bw, row: make([]byte, 0, 64)}, nil
}

func (e *csvEncoder) write(t float64, ids []uint32) error {
	prefix := strconv.AppendFloat(e.row[:0], t, 'f', -1, 64)
	prefix = append(prefix, ',')
	n := len(prefix)
	for _, id := range ids {
		line := strconv.AppendUint(prefix[:n], uint64(id), 10)
		line = append(line, '\n')
		if _, err := e.w.Write(line); err != nil {
			return err
		}
		prefix = line
	}
	e.row = prefix
	return nil
}

func (e *csvEncoder) close() error {
	return e.w.Flush()
}

// ReadCSV parses a csv spike log.
func ReadCSV(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spike log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		return nil, fmt.Errorf("spike log is empty")
	}
	if scanner.Text()+"\n" != csvHeader {
		return nil, fmt.Errorf("unexpected spike log header %q", scanner.Text())
	}

	var events []Event
	line := 1
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		ts, ids, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: missing separator", line)
		}
		t, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing time: %w", line, err)
		}
		id, err := strconv.ParseUint(ids, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing id: %w", line, err)
		}
		events = append(events, Event{Time: t, ID: uint32(id)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading spike log: %w", err)
	}
	return events, nil
}
