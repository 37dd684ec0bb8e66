package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/crytic/keel/logging/colors"
	"github.com/rs/zerolog"
)

// GlobalLogger describes a Logger that is disabled by default and is instantiated when a deployer is created. Each
// package should create its own sub-logger so that log output can be filtered by the service which produced it.
var GlobalLogger = NewLogger(zerolog.Disabled)

// Logger describes a custom logging object that can log events to any arbitrary channel in structured, unstructured,
// or colorized unstructured format.
type Logger struct {
	// level describes the log level
	level zerolog.Level

	// context describes the key-value pairs attached to every event emitted by this logger. Sub-loggers inherit the
	// context of their parent.
	context []contextField

	// structuredLogger outputs JSON to all structuredWriters
	structuredLogger zerolog.Logger

	// unstructuredLogger outputs console-formatted, non-colored text to all unstructuredWriters
	unstructuredLogger zerolog.Logger

	// unstructuredColorLogger outputs console-formatted, colored text to all unstructuredColorWriters
	unstructuredColorLogger zerolog.Logger

	// structuredWriters describes the writers which receive structured (JSON) output
	structuredWriters []io.Writer

	// unstructuredWriters describes the writers which receive unstructured output without ANSI coloring
	unstructuredWriters []io.Writer

	// unstructuredColorWriters describes the writers which receive unstructured output with ANSI coloring
	unstructuredColorWriters []io.Writer
}

// contextField is a single key-value pair attached to a Logger through NewSubLogger.
type contextField struct {
	key   string
	value string
}

// LogFormat describes what format to log in
type LogFormat string

const (
	// STRUCTURED describes that logging should be done in structured JSON format
	STRUCTURED LogFormat = "structured"
	// UNSTRUCTURED describes that logging should be done in an unstructured format
	UNSTRUCTURED LogFormat = "unstructured"
)

// StructuredLogInfo describes a key-value mapping that can be used to log structured data
type StructuredLogInfo map[string]any

// NewLogger will create a new Logger object with a specific log level. Writers are attached afterwards through
// AddWriter.
func NewLogger(level zerolog.Level) *Logger {
	l := &Logger{
		level:                    level,
		structuredWriters:        make([]io.Writer, 0),
		unstructuredWriters:      make([]io.Writer, 0),
		unstructuredColorWriters: make([]io.Writer, 0),
	}
	l.rebuild()
	return l
}

// NewSubLogger will create a new Logger with unique context in the form of a key-value pair. The expected use of this
// function is for each package to have its own logger so that log output is "grep-able" based on some key.
func (l *Logger) NewSubLogger(key string, value string) *Logger {
	sub := &Logger{
		level:                    l.level,
		context:                  append(append([]contextField{}, l.context...), contextField{key, value}),
		structuredWriters:        l.structuredWriters,
		unstructuredWriters:      l.unstructuredWriters,
		unstructuredColorWriters: l.unstructuredColorWriters,
	}
	sub.rebuild()
	return sub
}

// AddWriter will add a writer to the list of channels where log output will be sent. Adding the same writer twice
// with the same format is a no-op.
func (l *Logger) AddWriter(writer io.Writer, format LogFormat, colored bool) {
	writers := l.writersFor(format, colored)
	for _, w := range *writers {
		if w == writer {
			return
		}
	}
	*writers = append(*writers, writer)
	l.rebuild()
}

// RemoveWriter will remove a writer from the list of writers that the logger manages. If the writer does not exist,
// this function is a no-op.
func (l *Logger) RemoveWriter(writer io.Writer, format LogFormat, colored bool) {
	writers := l.writersFor(format, colored)
	for i, w := range *writers {
		if w == writer {
			*writers = append((*writers)[:i:i], (*writers)[i+1:]...)
			l.rebuild()
			return
		}
	}
}

// Level will get the log level of the Logger
func (l *Logger) Level() zerolog.Level {
	return l.level
}

// SetLevel will update the log level of the Logger
func (l *Logger) SetLevel(level zerolog.Level) {
	l.level = level
	l.rebuild()
}

// Trace is a wrapper function that will log a trace event
func (l *Logger) Trace(args ...any) {
	l.log(zerolog.TraceLevel, args...)
}

// Debug is a wrapper function that will log a debug event
func (l *Logger) Debug(args ...any) {
	l.log(zerolog.DebugLevel, args...)
}

// Info is a wrapper function that will log an info event
func (l *Logger) Info(args ...any) {
	l.log(zerolog.InfoLevel, args...)
}

// Warn is a wrapper function that will log a warning event
func (l *Logger) Warn(args ...any) {
	l.log(zerolog.WarnLevel, args...)
}

// Error is a wrapper function that will log an error event
func (l *Logger) Error(args ...any) {
	l.log(zerolog.ErrorLevel, args...)
}

// Panic is a wrapper function that will log a panic event. The panic is raised once every channel received the event.
func (l *Logger) Panic(args ...any) {
	l.log(zerolog.PanicLevel, args...)
}

// log builds the messages for each output channel and sends the events off.
func (l *Logger) log(level zerolog.Level, args ...any) {
	coloredMsg, plainMsg, err, info := buildMsgs(args...)
	withStack := level == zerolog.PanicLevel || l.level <= zerolog.DebugLevel

	// WithLevel never panics or exits by itself, so every channel receives the event before a panic is raised.
	events := []struct {
		event *zerolog.Event
		msg   string
	}{
		{l.structuredLogger.WithLevel(level), plainMsg},
		{l.unstructuredLogger.WithLevel(level), plainMsg},
		{l.unstructuredColorLogger.WithLevel(level), coloredMsg},
	}
	for _, e := range events {
		chainError(e.event, err, withStack)
		if info != nil {
			e.event.Any("info", info)
		}
		e.event.Msg(e.msg)
	}
	if level == zerolog.PanicLevel {
		panic(plainMsg)
	}
}

// writersFor returns the writer list for the given output format.
func (l *Logger) writersFor(format LogFormat, colored bool) *[]io.Writer {
	if format == STRUCTURED {
		return &l.structuredWriters
	}
	if colored {
		return &l.unstructuredColorWriters
	}
	return &l.unstructuredWriters
}

// rebuild recreates the underlying zerolog loggers after the writers, level or context changed.
func (l *Logger) rebuild() {
	l.structuredLogger = l.newZerologger(l.structuredWriters, func(w io.Writer) io.Writer { return w }, true)
	l.unstructuredLogger = l.newZerologger(l.unstructuredWriters, func(w io.Writer) io.Writer {
		return setupDefaultFormatting(zerolog.ConsoleWriter{Out: w, NoColor: true}, l.level, false)
	}, false)
	l.unstructuredColorLogger = l.newZerologger(l.unstructuredColorWriters, func(w io.Writer) io.Writer {
		return setupDefaultFormatting(zerolog.ConsoleWriter{Out: w, NoColor: !colors.Enabled()}, l.level, true)
	}, false)
}

// newZerologger creates a zerolog logger which fans out to the given writers, or a disabled logger if there are none.
func (l *Logger) newZerologger(writers []io.Writer, wrap func(io.Writer) io.Writer, timestamp bool) zerolog.Logger {
	if len(writers) == 0 {
		return zerolog.Nop()
	}
	wrapped := make([]io.Writer, len(writers))
	for i, w := range writers {
		wrapped[i] = wrap(w)
	}
	ctx := zerolog.New(zerolog.MultiLevelWriter(wrapped...)).Level(l.level).With()
	if timestamp {
		ctx = ctx.Timestamp()
	}
	for _, f := range l.context {
		ctx = ctx.Str(f.key, f.value)
	}
	return ctx.Logger()
}

// buildMsgs describes a function that takes in a variadic list of arguments of any type and returns two strings and,
// optionally, an error and a StructuredLogInfo object. The first string will be a colorized-string that can be used for
// console logging while the second string will be a non-colorized one that can be used for file/structured logging.
func buildMsgs(args ...any) (string, string, error, StructuredLogInfo) {
	if len(args) == 0 {
		return "", "", nil, nil
	}

	colorCtx := colors.Reset
	coloredOutput := make([]string, 0, len(args))
	plainOutput := make([]string, 0, len(args))
	var info StructuredLogInfo
	var err error

	for _, arg := range args {
		switch t := arg.(type) {
		case colors.ColorFunc:
			// A color function switches the color context for the arguments that follow it
			colorCtx = t
		case StructuredLogInfo:
			// Only one structured log info can be provided for each log message
			info = t
		case error:
			// Only one error can be provided for each log message
			err = t
		default:
			coloredOutput = append(coloredOutput, colorCtx(t))
			plainOutput = append(plainOutput, fmt.Sprintf("%v", t))
		}
	}

	return strings.Join(coloredOutput, ""), strings.Join(plainOutput, ""), err, info
}

// chainError attaches err to the event and, if withStack is set, a stack trace as well.
func chainError(event *zerolog.Event, err error, withStack bool) {
	// Even if err is nil, there will not be a panic here
	event.Err(err)
	if withStack {
		event.Stack()
	}
}

// setupDefaultFormatting will update the console writer's formatting to the keel standard
func setupDefaultFormatting(writer zerolog.ConsoleWriter, level zerolog.Level, colored bool) zerolog.ConsoleWriter {
	// Get rid of the timestamp for console output
	writer.FormatTimestamp = func(i interface{}) string {
		return ""
	}

	colorFunc := func(f colors.ColorFunc) colors.ColorFunc {
		if !colored {
			return colors.Reset
		}
		return f
	}

	writer.FormatLevel = func(i any) string {
		s, _ := i.(string)
		parsed, err := zerolog.ParseLevel(s)
		if err != nil {
			return s
		}
		switch parsed {
		case zerolog.TraceLevel:
			return colorFunc(colors.CyanBold)(zerolog.LevelTraceValue)
		case zerolog.DebugLevel:
			return colorFunc(colors.BlueBold)(zerolog.LevelDebugValue)
		case zerolog.InfoLevel:
			return colorFunc(colors.GreenBold)(colors.LEFT_ARROW)
		case zerolog.WarnLevel:
			return colorFunc(colors.YellowBold)(zerolog.LevelWarnValue)
		case zerolog.ErrorLevel:
			return colorFunc(colors.RedBold)(zerolog.LevelErrorValue)
		case zerolog.FatalLevel:
			return colorFunc(colors.RedBold)(zerolog.LevelFatalValue)
		case zerolog.PanicLevel:
			return colorFunc(colors.RedBold)(zerolog.LevelPanicValue)
		default:
			return s
		}
	}

	// Above debug level, the service name is noise on the console
	if level > zerolog.DebugLevel {
		writer.FieldsExclude = []string{"module"}
	}

	return writer
}
