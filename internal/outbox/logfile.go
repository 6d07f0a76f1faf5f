// TradeBridge - Durable Trade-Event Order Broker
// Copyright 2026 TradeBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tradebridge/tradebridge

package outbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tradebridge/tradebridge/internal/logging"
)

// backupSuffix marks rotated outbox files: outbox.<timestamp>.log.bak.
const backupSuffix = ".log.bak"

// appendLog is the durable side of the outbox: one JSON entry per
// line, rotated by size, pruned to a retained backup count. All file
// access is serialised by mu.
type appendLog struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	retained int
}

func newAppendLog(path string, maxFileSizeMB, retainedBackups int) *appendLog {
	return &appendLog{
		path:     path,
		maxBytes: int64(maxFileSizeMB) * 1024 * 1024,
		retained: retainedBackups,
	}
}

// append writes one entry as a line, rotating first when the file is
// at capacity.
func (l *appendLog) append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if info, err := os.Stat(l.path); err == nil && info.Size() >= l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open outbox log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outbox log: %w", err)
	}
	return f.Sync()
}

// replay loads every valid entry from the log and truncates it.
// Malformed lines are skipped and logged. A file beyond twice the
// rotation size is rotated away first to cap replay memory.
func (l *appendLog) replay() ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat outbox log: %w", err)
	}

	if info.Size() > 2*l.maxBytes {
		logging.Warn().
			Int64("size", info.Size()).
			Msg("Outbox log oversized at startup, rotating before replay")
		if err := l.rotateLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open outbox log: %w", err)
	}
	defer f.Close()

	var (
		entries   []*Entry
		malformed int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || len(e.Envelope) == 0 {
			malformed++
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan outbox log: %w", err)
	}

	if malformed > 0 {
		logging.Warn().Int("skipped", malformed).Msg("Outbox replay skipped malformed lines")
	}

	if err := os.Truncate(l.path, 0); err != nil {
		return nil, fmt.Errorf("truncate outbox log: %w", err)
	}
	return entries, nil
}

// truncate empties the active log. Called once a drain cycle has
// delivered everything the log could still describe.
func (l *appendLog) truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Truncate(l.path, 0)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// rotateLocked renames the active log to a timestamped backup and
// prunes old backups past the retained count. Caller holds mu.
func (l *appendLog) rotateLocked() error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)
	stem := base
	if ext := filepath.Ext(base); ext != "" {
		stem = base[:len(base)-len(ext)]
	}

	backup := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, time.Now().UnixNano(), backupSuffix))
	if err := os.Rename(l.path, backup); err != nil {
		return fmt.Errorf("rotate outbox log: %w", err)
	}

	logging.Info().Str("backup", backup).Msg("Outbox log rotated")
	return l.pruneLocked(dir, stem)
}

// pruneLocked deletes the oldest backups beyond the retained count.
func (l *appendLog) pruneLocked(dir, stem string) error {
	pattern := filepath.Join(dir, stem+".*"+backupSuffix)
	backups, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob outbox backups: %w", err)
	}
	if len(backups) <= l.retained {
		return nil
	}

	// Timestamped names sort oldest first.
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-l.retained] {
		if err := os.Remove(old); err != nil {
			logging.Warn().Err(err).Str("file", old).Msg("Failed to prune outbox backup")
		}
	}
	return nil
}
