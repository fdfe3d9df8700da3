// Copyright 2026 The AI Gateway Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanInterval = 10 * time.Minute

var cleanerStop chan struct{}

// configureLogDirCleanerLocked starts or stops the background log directory
// cleaner. The caller must hold writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	if maxTotalSizeMB <= 0 {
		return
	}

	stop := make(chan struct{})
	cleanerStop = stop

	go func() {
		ticker := time.NewTicker(logDirCleanInterval)
		defer ticker.Stop()

		cleanLogDir(logDir, int64(maxTotalSizeMB)*1024*1024, protectedPath)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cleanLogDir(logDir, int64(maxTotalSizeMB)*1024*1024, protectedPath)
			}
		}
	}()
}

// stopLogDirCleanerLocked stops any running cleaner. The caller must hold writerMu.
func stopLogDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

type logFileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// cleanLogDir removes the oldest .log files in dir until the total size fits
// within maxTotalBytes. The active log file is never removed.
func cleanLogDir(dir string, maxTotalBytes int64, protectedPath string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var files []logFileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		files = append(files, logFileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	if total <= maxTotalBytes {
		return
	}

	// Oldest first
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if total <= maxTotalBytes {
			break
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Warnf("failed to remove old log file %s: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}
