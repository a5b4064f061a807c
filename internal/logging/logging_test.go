package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.WithFields(logrus.Fields{"node": "web", "task": "web/deploy"}).Debug("task started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "task started" || entry["node"] != "web" || entry["level"] != "debug" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("Warn line missing: %q", out)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "text", nil); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nowhere")
}
