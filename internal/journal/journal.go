// Package journal appends injector signals to a size-rotated JSON lines
// file.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/markbridge/internal/injector"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errClosed     = errors.New("journal: writer is closed")
	errBufferFull = errors.New("journal: buffer full")
)

// Options configures a Writer.
type Options struct {
	Path       string
	BufferSize int
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Writer queues records and writes them on a background goroutine, so
// publishing never waits on disk.
type Writer struct {
	path    string
	writeCh chan any
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	logger *lumberjack.Logger
}

// Open creates the journal directory and starts the write loop.
func Open(opts Options) (*Writer, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, err
	}

	w := &Writer{
		path:    opts.Path,
		writeCh: make(chan any, opts.BufferSize),
		done:    make(chan struct{}),
		logger: &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  false,
		},
	}
	w.wg.Add(1)
	go w.writeLoop()
	slog.Info("journal opened", "file", opts.Path)
	return w, nil
}

// Publish records a signal. It drops the signal when the buffer is full.
func (w *Writer) Publish(s injector.Signal) {
	if err := w.Write(s); err != nil {
		slog.Debug("journal dropped signal", "kind", s.Kind, "error", err)
	}
}

// Write queues a record for async writing.
func (w *Writer) Write(record any) error {
	select {
	case <-w.done:
		return errClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	case <-w.done:
		return errClosed
	default:
		slog.Warn("journal write buffer full, dropping record", "file", w.path)
		return errBufferFull
	}
}

// Close stops the write loop and flushes pending records.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost", "file", w.path)
			break drain
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger.Close()
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "file", w.path)
	}
}
