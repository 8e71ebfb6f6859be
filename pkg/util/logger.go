package util

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Buffered bool   `yaml:"buffered" category:"advanced"`
}

func (cfg *LogConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Level, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.Format, "log.format", LogFormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
	f.BoolVar(&cfg.Buffered, "log.buffered", false, "Buffer log lines in memory and flush them asynchronously.")
}

func (cfg *LogConfig) Validate() error {
	if _, err := levelOption(cfg.Level); err != nil {
		return err
	}
	switch cfg.Format {
	case LogFormatLogfmt, LogFormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

// NewLogWriter returns the writer logs should go to. The returned closer
// flushes pending lines and must be called before exiting.
func NewLogWriter(cfg LogConfig, w io.Writer) (io.Writer, io.Closer) {
	if !cfg.Buffered {
		return w, nopCloser{}
	}
	aw := NewAsyncWriter(w, 256<<10, 8, 1000, time.Second)
	return aw, aw
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds a leveled, timestamped logger writing to w.
// If w is nil, logs go to stderr.
func NewLogger(cfg LogConfig, w io.Writer) (log.Logger, error) {
	opt, err := levelOption(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	var l log.Logger
	if cfg.Format == LogFormatJSON {
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = level.NewFilter(l, opt)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func levelOption(lvl string) (level.Option, error) {
	switch lvl {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unrecognized log level %q", lvl)
	}
}

// AsyncWriter is a writer that buffers writes and flushes them asynchronously
// in the order they were written. It is safe for concurrent use.
//
// If the internal queue is full, writes will block until there is space.
// Errors are ignored: it's caller responsibility to handle errors from the
// underlying writer.
type AsyncWriter struct {
	mu            sync.Mutex
	w             io.Writer
	pool          sync.Pool
	buffer        *bytes.Buffer
	flushQueue    chan *bytes.Buffer
	maxSize       int
	maxCount      int
	flushInterval time.Duration
	writes        int
	closeOnce     sync.Once
	close         chan struct{}
	done          chan error
	closed        bool
}

func NewAsyncWriter(w io.Writer, bufSize, maxBuffers, maxWrites int, flushInterval time.Duration) *AsyncWriter {
	bw := &AsyncWriter{
		w:             w,
		flushQueue:    make(chan *bytes.Buffer, maxBuffers),
		maxSize:       bufSize,
		maxCount:      maxWrites,
		flushInterval: flushInterval,
		close:         make(chan struct{}),
		done:          make(chan error),
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, bufSize))
			},
		},
	}
	go bw.loop()
	return bw
}

func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, os.ErrClosed
	}
	if aw.overflows(len(p)) {
		aw.enqueueFlush()
	}
	if aw.buffer == nil {
		aw.buffer = aw.pool.Get().(*bytes.Buffer)
		aw.buffer.Reset()
	}
	aw.writes++
	return aw.buffer.Write(p)
}

func (aw *AsyncWriter) overflows(n int) bool {
	return aw.buffer != nil && (aw.buffer.Len()+n >= aw.maxSize || aw.writes >= aw.maxCount)
}

func (aw *AsyncWriter) Close() error {
	aw.closeOnce.Do(func() {
		// Break the loop.
		close(aw.close)
		<-aw.done
		// Empty the queue.
		aw.mu.Lock()
		defer aw.mu.Unlock()
		aw.enqueueFlush()
		close(aw.flushQueue)
		for buf := range aw.flushQueue {
			aw.flushSync(buf)
		}
		aw.closed = true
	})
	return nil
}

func (aw *AsyncWriter) enqueueFlush() {
	buf := aw.buffer
	if buf == nil || buf.Len() == 0 {
		return
	}
	aw.buffer = nil
	aw.writes = 0
	select {
	case aw.flushQueue <- buf:
	default:
	}
}

func (aw *AsyncWriter) loop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer func() {
		ticker.Stop()
		close(aw.done)
	}()

	for {
		select {
		case buf := <-aw.flushQueue:
			aw.flushSync(buf)

		case <-ticker.C:
			aw.mu.Lock()
			aw.enqueueFlush()
			aw.mu.Unlock()

		case <-aw.close:
			return
		}
	}
}

func (aw *AsyncWriter) flushSync(b *bytes.Buffer) {
	_, _ = aw.w.Write(b.Bytes())
	aw.pool.Put(b)
}
