// Package audit provides reference ports.AuditSink implementations,
// adapted from the teacher's core/pkg/audit.logger (structured JSON audit
// records written to an io.Writer, one JSON object per line).
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mindburn-labs/forge/pkg/ports"
)

// record is the on-wire shape for one audit entry, mirroring the teacher's
// audit.Event field naming.
type record struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Op        string         `json:"op"`
	Principal string         `json:"principal"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// WriterSink writes one JSON-encoded record per line to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w, defaulting to os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w}
}

func (s *WriterSink) Record(ctx context.Context, entry ports.AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := record{
		ID:        id,
		Namespace: string(entry.Namespace),
		Op:        entry.Op,
		Principal: entry.Principal,
		Timestamp: entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		Details:   entry.Details,
		Success:   entry.Success,
		Error:     entry.Error,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

// SlogSink forwards audit entries to a structured slog.Logger, for
// deployments that centralize logs instead of reading an audit file.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger, defaulting to slog.Default() when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Record(ctx context.Context, entry ports.AuditEntry) error {
	level := slog.LevelInfo
	if !entry.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "namespace audit",
		slog.String("namespace", string(entry.Namespace)),
		slog.String("op", entry.Op),
		slog.String("principal", entry.Principal),
		slog.Bool("success", entry.Success),
		slog.String("error", entry.Error),
		slog.Any("details", entry.Details),
	)
	return nil
}
