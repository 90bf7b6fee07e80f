package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var rank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// sink is one output with its own minimum level.
type sink struct {
	out *stdlog.Logger
	min Level
}

// Logger writes key/value lines to one or more sinks. A single Logger is
// created in main and handed to every component; it is safe for concurrent
// use (the HTTP listener logs from its own goroutine).
type Logger struct {
	mu    sync.Mutex
	sinks []sink
	now   func() time.Time
}

// New creates a Logger writing to out at the given minimum level.
// If out is nil, os.Stderr is used.
func New(out io.Writer, min Level) *Logger {
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{now: time.Now}
	l.AddSink(out, min)
	return l
}

// Discard returns a Logger that drops everything. Intended for tests.
func Discard() *Logger {
	return &Logger{now: time.Now}
}

// AddSink attaches another output, e.g. the daily log file.
func (l *Logger) AddSink(out io.Writer, min Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink{out: stdlog.New(out, "", 0), min: min})
}

// DailyFile is an io.Writer over dir/<prefix>_YYYY-MM-DD.log that moves to
// a new file when the date from clock changes. Files are opened in append
// mode and dir is created when needed.
type DailyFile struct {
	dir, prefix string
	clock       func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
}

// OpenDailyFile opens today's file. A nil clock means time.Now.
func OpenDailyFile(dir, prefix string, clock func() time.Time) (*DailyFile, error) {
	if clock == nil {
		clock = time.Now
	}
	d := &DailyFile{dir: dir, prefix: prefix, clock: clock}
	if err := d.rotate(clock().Format("2006-01-02")); err != nil {
		return nil, err
	}
	return d, nil
}

// Write appends p to the file for the current date.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if day := d.clock().Format("2006-01-02"); day != d.day || d.f == nil {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *DailyFile) rotate(day string) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s.log", d.prefix, day)
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if d.f != nil {
		d.f.Close()
	}
	d.f, d.day = f, day
	return nil
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.logWithLevel(LevelDebug, msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.logWithLevel(LevelInfo, msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.logWithLevel(LevelWarn, msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	l.logWithLevel(LevelError, msg, extended...)
}

func (l *Logger) logWithLevel(level Level, msg string, kv ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sinks) == 0 {
		return
	}

	// 2026-01-01T00:00:00Z [LEVEL] msg key=value ...
	line := l.now().Format(time.RFC3339Nano) + " [" + string(level) + "] " + msg
	if len(kv) > 0 {
		line += formatKVs(kv...)
	}

	for _, s := range l.sinks {
		if enabled(s.min, level) {
			s.out.Println(line)
		}
	}
}

func enabled(min, level Level) bool {
	r, ok := rank[min]
	if !ok {
		return true
	}
	return rank[level] >= r
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

func formatKVs(kv ...any) string {
	out := ""
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out += " " + key + "=" + fmt.Sprint(kv[i+1])
	}
	// If odd number of args, last one is ignored.
	return out
}
