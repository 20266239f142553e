package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("debug", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.WithField("component", "test").Debug("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if entry["app"] != "flowershop" || entry["component"] != "test" || entry["msg"] != "hello" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := NewLogger("loud", "text", nil); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
