package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/campushub/campushub/internal/db"
	"github.com/campushub/campushub/pkg/config"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{input: 0, want: "0 B"},
		{input: 1023, want: "1023 B"},
		{input: 1024, want: "1.0 KiB"},
		{input: 1536, want: "1.5 KiB"},
		{input: 1048576, want: "1.0 MiB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(""); got != "n/a" {
		t.Fatalf("formatTimestamp(empty) = %q, want %q", got, "n/a")
	}

	const ts = "2026-08-30 10:00:00"
	if got := formatTimestamp(ts); got != ts {
		t.Fatalf("formatTimestamp(value) = %q, want %q", got, ts)
	}
}

func TestParseStatusArgs(t *testing.T) {
	opts, err := parseStatusArgs([]string{"--json"})
	if err != nil {
		t.Fatalf("parseStatusArgs returned error: %v", err)
	}
	if !opts.JSON {
		t.Fatalf("parseStatusArgs JSON = false, want true")
	}

	if _, err := parseStatusArgs([]string{"--bad"}); err == nil {
		t.Fatalf("parseStatusArgs expected error for unknown flag")
	}
}

func TestPrintStatusJSON(t *testing.T) {
	status := appStatus{
		GeneratedAt:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		Environment:  "development",
		Port:         "8080",
		DatabasePath: "/tmp/campushub.db",
		Users:        3,
	}

	var out bytes.Buffer
	if err := printStatusJSON(&out, status); err != nil {
		t.Fatalf("printStatusJSON returned error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if payload["port"] != "8080" {
		t.Fatalf("port = %v, want 8080", payload["port"])
	}
}

func TestRunStatusAgainstSeededDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "status.db")

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := conn.Exec(db.Schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	seed := `
		INSERT INTO users (id, username, password_hash) VALUES (1, 'u1', 'x');
		INSERT INTO users (id, username, password_hash) VALUES (2, 'u2', 'x');
		INSERT INTO conversations (id, is_group, pair_key) VALUES (1, 0, '1:2');
		INSERT INTO conversations (id, is_group, name) VALUES (2, 1, 'group');
		INSERT INTO messages (conversation_id, sender_id, body) VALUES (1, 1, 'hi');
		INSERT INTO message_receipts (message_id, user_id, delivered_at) VALUES (1, 2, CURRENT_TIMESTAMP);
	`
	if _, err := conn.Exec(seed); err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}
	conn.Close()

	cfg := &config.Config{Port: "8080", Environment: "test", DatabasePath: dbPath}

	var out bytes.Buffer
	if err := runStatus(cfg, &out, []string{"--json"}); err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}

	var payload struct {
		MetricsReady bool `json:"metrics_ready"`
		Metrics      struct {
			Users          int64 `json:"users"`
			Conversations  int64 `json:"conversations"`
			Groups         int64 `json:"groups"`
			Messages       int64 `json:"messages"`
			UnreadReceipts int64 `json:"unread_receipts"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}

	if !payload.MetricsReady {
		t.Fatalf("metrics not ready: %s", out.String())
	}
	if payload.Metrics.Users != 2 || payload.Metrics.Conversations != 2 || payload.Metrics.Groups != 1 {
		t.Fatalf("metrics = %+v", payload.Metrics)
	}
	if payload.Metrics.Messages != 1 || payload.Metrics.UnreadReceipts != 1 {
		t.Fatalf("message metrics = %+v", payload.Metrics)
	}
}

func TestRunStatusMissingDatabase(t *testing.T) {
	cfg := &config.Config{
		Port:         "8080",
		Environment:  "test",
		DatabasePath: filepath.Join(t.TempDir(), "missing.db"),
	}

	var out bytes.Buffer
	if err := runStatus(cfg, &out, nil); err != nil {
		t.Fatalf("runStatus failed: %v", err)
	}
	if !strings.Contains(out.String(), "database unavailable") {
		t.Fatalf("expected warning, got: %s", out.String())
	}
}
