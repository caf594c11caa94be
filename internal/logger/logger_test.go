package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetDebug(false)
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	Debug("hidden %d", 1)
	Info("visible %s", "info")
	Warn("careful")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["msg"] != "visible info" {
		t.Errorf("msg = %v, want %q", rec["msg"], "visible info")
	}
	if rec["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", rec["level"])
	}
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	SetDebug(true)
	SetOutput(&buf)
	defer func() {
		SetDebug(false)
		SetOutput(&bytes.Buffer{})
	}()

	if !IsDebug() {
		t.Fatal("IsDebug() = false after SetDebug(true)")
	}
	Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug line missing from output: %q", buf.String())
	}
}

func TestSourceIsCaller(t *testing.T) {
	var buf bytes.Buffer
	SetDebug(true)
	SetOutput(&buf)
	defer func() {
		SetDebug(false)
		SetOutput(&bytes.Buffer{})
	}()

	Info("where am I")

	var rec struct {
		Source struct {
			File string `json:"file"`
		} `json:"source"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if !strings.HasSuffix(rec.Source.File, "logger_test.go") {
		t.Errorf("source file = %q, want the calling test file", rec.Source.File)
	}
}
