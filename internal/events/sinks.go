package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileSink appends events and metrics as JSON lines to two files.
type FileSink struct {
	mu      sync.Mutex
	events  *os.File
	metrics *os.File
	ew      *bufio.Writer
	mw      *bufio.Writer
}

// OpenFileSink opens (appending) the events and metrics files.
func OpenFileSink(eventsPath, metricsPath string) (*FileSink, error) {
	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	mf, err := os.OpenFile(metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		ef.Close()
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	return &FileSink{events: ef, metrics: mf, ew: bufio.NewWriter(ef), mw: bufio.NewWriter(mf)}, nil
}

// Event implements Sink.
func (s *FileSink) Event(e Event) error {
	return s.write(s.ew, e)
}

// Metric implements Sink.
func (s *FileSink) Metric(m Metric) error {
	return s.write(s.mw, m)
}

func (s *FileSink) write(w *bufio.Writer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Sync flushes buffers and fsyncs both files.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.ew.Flush(), s.mw.Flush(), s.events.Sync(), s.metrics.Sync())
}

// Close syncs and closes both files.
func (s *FileSink) Close() error {
	err := s.Sync()
	return errors.Join(err, s.events.Close(), s.metrics.Close())
}

// SlogSink mirrors the stream to a logger at Debug level.
type SlogSink struct {
	Logger *slog.Logger
}

// Event implements Sink.
func (s SlogSink) Event(e Event) error {
	s.Logger.Debug("event", "type", e.Type, "seq", e.Seq, "run_id", e.RunID, "step_id", e.StepID, "fields", e.Fields)
	return nil
}

// Metric implements Sink.
func (s SlogSink) Metric(m Metric) error {
	s.Logger.Debug("metric", "name", m.Name, "value", m.Value, "seq", m.Seq, "run_id", m.RunID, "step_id", m.StepID)
	return nil
}

// MemorySink keeps everything in memory. Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	events  []Event
	metrics []Metric
}

// Event implements Sink.
func (s *MemorySink) Event(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Metric implements Sink.
func (s *MemorySink) Metric(m Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Metrics returns a copy of the recorded metrics.
func (s *MemorySink) Metrics() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metric(nil), s.metrics...)
}

// Types lists the recorded event types in order.
func (s *MemorySink) Types() []Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// Multi fans out to every sink. All sinks see every item; the first error
// is returned.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Event(e Event) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Event(e))
	}
	return errors.Join(errs...)
}

func (m multi) Metric(x Metric) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Metric(x))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, CloseSink(s))
	}
	return errors.Join(errs...)
}
