package internal

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

type FieldKey string

const (
	FieldError     FieldKey = "error"
	FieldMsg       FieldKey = "message"
	FieldPort      FieldKey = "port"
	FieldAddr      FieldKey = "addr"
	FieldPeer      FieldKey = "peer"
	FieldSessionID FieldKey = "session_id"
	FieldFile      FieldKey = "file"
	FieldMode      FieldKey = "mode"
	FieldBlock     FieldKey = "block"
	FieldBytes     FieldKey = "bytes"
	FieldAttempt   FieldKey = "attempt"
	ConfigPath     FieldKey = "config_path"
)

type Fields map[FieldKey]any

type Level = pterm.LogLevel

const (
	LevelTrace Level = pterm.LogLevelTrace
	LevelDebug Level = pterm.LogLevelDebug
	LevelInfo  Level = pterm.LogLevelInfo
	LevelWarn  Level = pterm.LogLevelWarn
	LevelError Level = pterm.LogLevelError
	LevelFatal Level = pterm.LogLevelFatal
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"fatal":   LevelFatal,
}

// sink is the one pterm logger every Entry writes through. Its Level field is
// the active level.
var (
	sinkMu sync.RWMutex
	sink   = pterm.DefaultLogger.
		WithTime(true).
		WithTimeFormat(time.RFC3339).
		WithMaxWidth(160).
		WithCaller(false).
		WithLevel(LevelInfo).
		AppendKeyStyles(map[string]pterm.Style{
			string(FieldError): *pterm.NewStyle(pterm.FgRed, pterm.Bold),
			string(FieldPeer):  *pterm.NewStyle(pterm.FgCyan),
		})
)

// ParseLevel maps a config/flag spelling to a level. Empty means info.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelInfo, nil
	}
	lvl, ok := levelNames[s]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// ConfigureLogger applies a level by name. An unknown name still resets the
// level to info so a bad config never leaves trace logging on.
func ConfigureLogger(level string) error {
	lvl, err := ParseLevel(level)
	SetLogLevel(lvl)
	return err
}

func SetLogLevel(level Level) {
	sinkMu.Lock()
	sink.Level = level
	sinkMu.Unlock()
}

func getLevel() Level {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink.Level
}

func shouldLog(level Level) bool {
	return level >= getLevel()
}

// Entry logs with a fixed set of fields attached, such as the session id
// and peer of one transfer. The zero Entry has no fields.
type Entry struct {
	fields Fields
}

func With(fields Fields) Entry {
	return Entry{}.With(fields)
}

// With returns a child entry; the receiver is not modified.
func (e Entry) With(fields Fields) Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	maps.Copy(merged, e.fields)
	maps.Copy(merged, fields)
	return Entry{fields: merged}
}

func (e Entry) Trace(msg string, fields Fields) { e.emit(LevelTrace, msg, fields) }
func (e Entry) Debug(msg string, fields Fields) { e.emit(LevelDebug, msg, fields) }
func (e Entry) Info(msg string, fields Fields)  { e.emit(LevelInfo, msg, fields) }
func (e Entry) Warn(msg string, fields Fields)  { e.emit(LevelWarn, msg, fields) }
func (e Entry) Error(msg string, fields Fields) { e.emit(LevelError, msg, fields) }

func (e Entry) emit(level Level, msg string, fields Fields) {
	if !shouldLog(level) {
		return
	}
	args := e.args(fields)

	sinkMu.RLock()
	l := *sink
	sinkMu.RUnlock()

	switch level {
	case LevelTrace:
		l.Trace(msg, args)
	case LevelDebug:
		l.Debug(msg, args)
	case LevelWarn:
		l.Warn(msg, args)
	case LevelError:
		l.Error(msg, args)
	case LevelFatal:
		l.Fatal(msg, args)
	default:
		l.Info(msg, args)
	}
}

// args flattens the entry fields and the per-call fields into sorted logger
// arguments. Per-call fields win on a key clash.
func (e Entry) args(fields Fields) []pterm.LoggerArgument {
	if len(e.fields) == 0 && len(fields) == 0 {
		return nil
	}
	all := e.With(fields).fields
	keys := slices.Sorted(maps.Keys(all))
	args := make([]pterm.LoggerArgument, 0, len(keys))
	for _, k := range keys {
		args = append(args, pterm.LoggerArgument{Key: string(k), Value: all[k]})
	}
	return args
}

func Trace(msg string, fields Fields) { Entry{}.Trace(msg, fields) }
func Debug(msg string, fields Fields) { Entry{}.Debug(msg, fields) }
func Info(msg string, fields Fields)  { Entry{}.Info(msg, fields) }
func Warn(msg string, fields Fields)  { Entry{}.Warn(msg, fields) }
func Error(msg string, fields Fields) { Entry{}.Error(msg, fields) }
