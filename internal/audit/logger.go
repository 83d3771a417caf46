// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/teamkit/teamkit/internal/xdg"
	"github.com/teamkit/teamkit/pkg/policy"
)

const (
	asyncBuffer    = 1000
	walFileName    = "audit-wal.jsonl"
	fallbackWALDir = "/tmp"
)

// Logger routes audit entries based on mode and outcome.
type Logger struct {
	mode      Mode
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	asyncChan chan Entry
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ policy.Observer = (*Logger)(nil)

// NewLogger creates a Logger with the given mode, writer, and WAL path.
// If walPath is empty, a default path in the XDG state directory is used.
func NewLogger(mode Mode, writer Writer, walPath string) *Logger {
	if walPath == "" {
		walPath = defaultWALPath()
	}

	l := &Logger{
		mode:      mode,
		writer:    writer,
		walPath:   walPath,
		asyncChan: make(chan Entry, asyncBuffer),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncConsumer()

	return l
}

func defaultWALPath() string {
	stateDir, err := xdg.StateDir()
	if err != nil {
		slog.Error("failed to get state directory for WAL", "error", err)
		return filepath.Join(fallbackWALDir, "teamkit-"+walFileName)
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		slog.Error("failed to ensure state directory", "error", err)
	}
	return filepath.Join(stateDir, walFileName)
}

// WALPath returns the write-ahead log location.
func (l *Logger) WALPath() string {
	return l.walPath
}

// ObserveEvaluation implements policy.Observer.
func (l *Logger) ObserveEvaluation(ctx context.Context, ev policy.Evaluation) {
	if l.mode == ModeOff {
		return
	}
	l.Log(ctx, EntryFromEvaluation(ev))
}

// Log routes an audit entry based on the configured mode and outcome.
// Write failures are absorbed: they go to the WAL, metrics and the log.
func (l *Logger) Log(ctx context.Context, entry Entry) {
	shouldLog, useSync := l.shouldLog(entry)
	if !shouldLog {
		return
	}

	if useSync {
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			if walErr := l.writeToWAL(entry); walErr != nil {
				slog.ErrorContext(ctx, "audit write failed: both backend and WAL failed",
					"backend_error", err,
					"wal_error", walErr,
					"entry_id", entry.ID,
					"registry", entry.Registry,
					"stage", entry.Stage,
				)
				failuresCounter.WithLabelValues("wal_failed").Inc()
			}
		}
		return
	}

	select {
	case l.asyncChan <- entry:
	default:
		channelFullCounter.Inc()
	}
}

// shouldLog determines if an entry should be logged based on mode and
// outcome. Denials are always written synchronously.
func (l *Logger) shouldLog(entry Entry) (shouldLog, useSync bool) {
	switch l.mode {
	case ModeMinimal:
		return entry.Faulted, true
	case ModeDenialsOnly:
		return !entry.Allowed, true
	case ModeAll:
		return true, !entry.Allowed
	default:
		return false, false
	}
}

func (l *Logger) asyncConsumer() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		case <-l.stopChan:
			l.drainAsync()
			return
		}
	}
}

func (l *Logger) drainAsync() {
	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		default:
			return
		}
	}
}

func (l *Logger) writeAsync(entry Entry) {
	if err := l.writer.WriteAsync(entry); err != nil {
		slog.Error("async audit write failed",
			"error", err,
			"entry_id", entry.ID,
			"registry", entry.Registry,
		)
		failuresCounter.WithLabelValues("async_write_failed").Inc()
	}
}

func (l *Logger) writeToWAL(entry Entry) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		file, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = file
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}
	data = append(data, '\n')
	if _, err := l.walFile.Write(data); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL writes every WAL entry to the writer. Delivered entries and
// lines that fail to decode are removed from the WAL; entries the writer
// rejects stay in it for the next replay, and a CodeReplayIncomplete error
// reports how many remain.
func (l *Logger) ReplayWAL(ctx context.Context) (int, error) {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	f, err := os.Open(l.walPath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.With("path", l.walPath).Wrap(err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var (
		replayed int
		pending  [][]byte
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.ErrorContext(ctx, "failed to unmarshal WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			slog.ErrorContext(ctx, "failed to replay WAL entry", "error", err, "entry_id", entry.ID)
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			pending = append(pending, bytes.Clone(line))
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, oops.With("path", l.walPath).Wrap(err)
	}

	if err := l.rewriteWAL(pending); err != nil {
		return replayed, err
	}
	walEntriesGauge.Set(float64(len(pending)))

	if len(pending) > 0 {
		return replayed, oops.
			Code(CodeReplayIncomplete).
			With("path", l.walPath, "remaining", len(pending)).
			Errorf("%d WAL entries could not be replayed", len(pending))
	}
	slog.InfoContext(ctx, "replayed WAL entries", "count", replayed)
	return replayed, nil
}

// rewriteWAL atomically replaces the WAL with lines. The caller holds walMu.
func (l *Logger) rewriteWAL(lines [][]byte) error {
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = nil
	}

	if len(lines) == 0 {
		if err := os.Truncate(l.walPath, 0); err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.walPath), filepath.Base(l.walPath)+".*.tmp")
	if err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	for _, line := range lines {
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			return oops.With("path", tmp.Name()).Wrap(err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return oops.With("path", tmp.Name()).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return oops.With("path", tmp.Name()).Wrap(err)
	}
	if err := os.Rename(tmp.Name(), l.walPath); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	return nil
}

// Close drains pending async entries and closes the writer and the WAL.
// It is safe to call more than once.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if cerr := l.writer.Close(); cerr != nil {
			err = oops.Wrap(cerr)
		}

		l.walMu.Lock()
		defer l.walMu.Unlock()
		if l.walFile != nil {
			if cerr := l.walFile.Close(); cerr != nil && err == nil {
				err = oops.Wrap(cerr)
			}
			l.walFile = nil
		}
	})
	return err
}
