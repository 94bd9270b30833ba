package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestRingBuffer_Wraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Add(LogEntry{Message: msg, Level: "INFO"})
	}

	if rb.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", rb.Len())
	}

	got := rb.GetRecent(10)
	want := []string{"c", "d", "e"}
	for i, e := range got {
		if e.Message != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], e.Message)
		}
	}

	last := rb.GetRecent(2)
	if len(last) != 2 || last[0].Message != "d" || last[1].Message != "e" {
		t.Errorf("Unexpected recent entries %+v", last)
	}
}

func TestRingBuffer_DefaultSize(t *testing.T) {
	rb := NewRingBuffer(0)
	if rb.size != DefaultBufferSize {
		t.Errorf("Expected default size %d, got %d", DefaultBufferSize, rb.size)
	}
}

func TestRingBuffer_Query(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Add(LogEntry{Message: "debug", Level: "DEBUG", Component: "pipeline"})
	rb.Add(LogEntry{Message: "failed", Level: "ERROR", Component: "pipeline", JobID: "job-1"})
	rb.Add(LogEntry{Message: "opened", Level: "INFO", Component: "database"})
	rb.Add(LogEntry{Message: "failed again", Level: "ERROR", Component: "pipeline", JobID: "job-2"})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{MinLevel: slog.LevelDebug}, []string{"debug", "failed", "opened", "failed again"}},
		{"errors", Filter{MinLevel: slog.LevelError}, []string{"failed", "failed again"}},
		{"component", Filter{MinLevel: slog.LevelDebug, Component: "database"}, []string{"opened"}},
		{"job", Filter{MinLevel: slog.LevelDebug, JobID: "job-2"}, []string{"failed again"}},
		{"limit keeps newest", Filter{MinLevel: slog.LevelDebug, Limit: 2}, []string{"opened", "failed again"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rb.Query(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d entries, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Message != tt.want[i] {
					t.Errorf("Entry %d: expected %s, got %s", i, tt.want[i], got[i].Message)
				}
			}
		})
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(5)
	ch := rb.Subscribe()

	rb.Add(LogEntry{Message: "hello"})

	select {
	case e := <-ch:
		if e.Message != "hello" {
			t.Errorf("Expected hello, got %s", e.Message)
		}
	default:
		t.Fatal("Expected entry on subscription")
	}

	rb.Unsubscribe(ch)
	rb.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed")
	}
}

func TestStreamHandler(t *testing.T) {
	rb := NewRingBuffer(10)
	var out bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	logger := slog.New(NewStreamHandler(rb, &out, level)).With("component", "pipeline")

	logger.Debug("hidden")
	logger.Error("Job failed", "job_id", "abc", "error", "boom")

	entries := rb.GetRecent(10)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 captured entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Component != "pipeline" || e.JobID != "abc" {
		t.Errorf("Unexpected entry %+v", e)
	}
	if e.Attrs["error"] != "boom" {
		t.Errorf("Expected error attr, got %v", e.Attrs)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"msg":"Job failed"`)) {
		t.Errorf("Expected JSON output, got %s", out.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	if rb.Len() != 2 {
		t.Errorf("Expected level change to take effect, got %d entries", rb.Len())
	}
}

func TestStreamHandler_WithAttrsDoesNotAlias(t *testing.T) {
	rb := NewRingBuffer(10)
	var out bytes.Buffer
	base := slog.New(NewStreamHandler(rb, &out, slog.LevelInfo)).With("a", 1)

	first := base.With("component", "one")
	second := base.With("component", "two")

	first.Info("x")
	second.Info("y")

	entries := rb.GetRecent(2)
	if entries[0].Component != "one" || entries[1].Component != "two" {
		t.Errorf("Handlers share attribute state: %+v", entries)
	}
}
