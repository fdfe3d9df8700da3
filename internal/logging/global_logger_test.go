// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestLogFormatter_Basic(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2026, 1, 12, 20, 14, 4, 0, time.Local),
		Level:   log.InfoLevel,
		Message: "hello\n",
		Data:    log.Fields{},
	}

	out, err := formatter.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	line := string(out)
	if !strings.HasPrefix(line, "[2026-01-12 20:14:04] [--------] [info ]") {
		t.Errorf("unexpected prefix: %q", line)
	}
	if !strings.Contains(line, "hello") {
		t.Errorf("message missing: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line should end with newline: %q", line)
	}
}

func TestLogFormatter_RequestIDAndFields(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Now(),
		Level:   log.WarnLevel,
		Message: "keyword rule matched",
		Data:    log.Fields{"request_id": "a1b2c3d4", "model_type": "large"},
	}

	out, err := formatter.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	line := string(out)
	if !strings.Contains(line, "[a1b2c3d4]") {
		t.Errorf("request id missing: %q", line)
	}
	if !strings.Contains(line, "[warn ]") {
		t.Errorf("warning level should render as warn: %q", line)
	}
	if !strings.Contains(line, "model_type=large") {
		t.Errorf("extra fields missing: %q", line)
	}
}

func TestCleanLogDir_RemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()

	oldPath := filepath.Join(dir, "old.log")
	newPath := filepath.Join(dir, "new.log")
	if err := os.WriteFile(oldPath, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	cleanLogDir(dir, 1024, newPath)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("oldest file should have been removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("protected file should survive: %v", err)
	}
}
