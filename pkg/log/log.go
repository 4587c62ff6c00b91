package log

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// FileConfig describes rotating log file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// console output of Setup, same stream with and without a log file
var consoleOut io.Writer = os.Stdout

func SetLogger(l zerolog.Logger) {
	zlog.Logger = l
}

func GetLogger() zerolog.Logger {
	return zlog.Logger
}

// Setup installs the global logger. Console output is always enabled,
// when file is set logs are also written to a rotating file.
func Setup(debug bool, file *FileConfig) io.Closer {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	console := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = consoleOut
	})

	var out io.Writer = console
	var closer io.Closer = nopCloser{}
	if file != nil && file.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		out = zerolog.MultiLevelWriter(console, lj)
		closer = lj
	}

	SetLogger(zerolog.New(out).With().Timestamp().Logger().Level(level))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var (
	Error = zlog.Error
	Warn  = zlog.Warn
	Info  = zlog.Info
	Debug = zlog.Debug
	Trace = zlog.Trace
	Fatal = zlog.Fatal
)
