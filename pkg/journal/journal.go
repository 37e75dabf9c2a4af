package journal

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Entry is one per-row record in the lookup journal.
type Entry struct {
	Time     string `json:"time"`
	Index    int    `json:"index"`
	Domain   string `json:"domain"`
	Outcome  string `json:"outcome"`
	Value    string `json:"value,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Millis   int64  `json:"millis,omitempty"`
}

// Writer appends JSONL entries to an operator-inspectable log file.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// NewWriter opens (or creates) the journal file in append mode.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f}, nil
}

// Log appends one entry, stamping Time when unset.
func (w *Writer) Log(entry Entry) error {
	if entry.Time == "" {
		entry.Time = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(data); err != nil {
		return err
	}
	_, err = w.f.Write([]byte("\n"))
	return err
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}
