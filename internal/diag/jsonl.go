package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

// JSONLinesSink writes one JSON object per record.
type JSONLinesSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{w: w, enc: json.NewEncoder(w)}
}

// NewRotatingJSONLinesSink writes to dir/name through a size-rotated file.
func NewRotatingJSONLinesSink(dir, name string, opts monitoring.RotateOptions) (*JSONLinesSink, error) {
	w, err := monitoring.NewRotatingWriter(dir, name, opts)
	if err != nil {
		return nil, fmt.Errorf("diagnostics log: %w", err)
	}
	return NewJSONLinesSink(w), nil
}

func (s *JSONLinesSink) WriteRecords(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		if err := s.enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying writer when it is closable.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
