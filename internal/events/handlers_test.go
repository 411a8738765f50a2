package events

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf})

	handler(NewEvent(ItemPublished, 42).WithChangeSet(7))

	got := buf.String()
	if !strings.Contains(got, "[item.published]") {
		t.Errorf("expected event type in output, got %q", got)
	}
	if !strings.Contains(got, "item=#42") {
		t.Errorf("expected item number in output, got %q", got)
	}
	if !strings.Contains(got, "pr=#7") {
		t.Errorf("expected pr number in output, got %q", got)
	}
}

func TestLogHandler_DefaultWriter(t *testing.T) {
	handler := LogHandler(LogConfig{})
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}
	handler(NewEvent(WorkerStarted, 0))
}

func TestLogHandler_IncludePayload(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{
		Writer:         &buf,
		IncludePayload: true,
	})

	handler(NewEvent(MaintenanceScanned, 0).WithPayload(map[string]int{"stale": 1}))

	got := buf.String()
	if !strings.Contains(got, "payload=") {
		t.Errorf("expected payload in output, got %q", got)
	}
}

func TestLogHandler_NoItemOmitsField(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf})

	handler(NewEvent(WorkerPolled, 0))

	got := buf.String()
	if strings.Contains(got, "item=") {
		t.Errorf("expected no item field for worker-scoped event, got %q", got)
	}
}
