package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"mandelmesh.io/internal/mesh/diag"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <baseDir>/<prefix>-<yyyy-mm-dd-hh>.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines into the current zstd frame.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventEntry is one line of the extraction event log.
type EventEntry struct {
	Time string `json:"time"`
	Tick uint64 `json:"tick,omitempty"`
	diag.Event
}

// EventLogger is a diag.Sink that persists events to
// <dataDir>/events/extract-<hour>.jsonl.zst from its own goroutine.
// Emit never blocks; events are dropped when the queue is full.
type EventLogger struct {
	w    *JSONLZstdWriter
	tick func() uint64

	mu     sync.RWMutex
	ch     chan EventEntry
	wg     sync.WaitGroup
	once   sync.Once
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

type EventLoggerOptions struct {
	// Buffer is the queue length; defaults to 4096.
	Buffer int
	// Tick, when set, stamps each entry with the current frame tick.
	Tick func() uint64
	// FlushEvery bounds how long lines stay buffered; defaults to one second.
	FlushEvery time.Duration
}

func NewEventLogger(dataDir string, opts EventLoggerOptions) *EventLogger {
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Second
	}
	l := &EventLogger{
		w:    NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "extract"),
		tick: opts.Tick,
		ch:   make(chan EventEntry, opts.Buffer),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop(opts.FlushEvery)
	}()
	return l
}

func (l *EventLogger) Emit(e diag.Event) {
	if l == nil {
		return
	}
	entry := EventEntry{Time: time.Now().UTC().Format(time.RFC3339Nano), Event: e}
	if l.tick != nil {
		entry.Tick = l.tick()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

func (l *EventLogger) loop(flushEvery time.Duration) {
	t := time.NewTicker(flushEvery)
	defer t.Stop()
	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				return
			}
			if err := l.w.Write(e); err != nil {
				l.failed.Add(1)
			}
		case <-t.C:
			if err := l.w.Flush(); err != nil {
				l.failed.Add(1)
			}
		}
	}
}

// Dropped reports events discarded because the queue was full.
func (l *EventLogger) Dropped() uint64 { return l.dropped.Load() }

// Failed reports write or flush errors.
func (l *EventLogger) Failed() uint64 { return l.failed.Load() }

// Close drains the queue and closes the current file.
func (l *EventLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		l.wg.Wait()
		err = l.w.Close()
	})
	return err
}
