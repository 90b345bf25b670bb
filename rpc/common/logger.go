package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Process Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// levelLabels are the fixed width labels of the log levels
var levelLabels = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// processLogger writes one line per message:
//
//	2024/01/02 15:04:05 INFO  | cluster 3  | gateway    | shard 12 connecting
//
// The manager writes no process column. Children share stdout with the
// manager, the column tells their lines apart.
type processLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *processLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *processLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *processLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *processLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *processLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf panics regardless of the level
func (l *processLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func (l *processLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if l.level < level {
		return
	}
	l.out.Printf("%-5s | %s%-10s | %s", levelLabels[level], processPrefix, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// processPrefix is the process column, empty in the manager
var processPrefix string

// logOutput receives the lines of loggers created afterwards
var logOutput io.Writer = os.Stdout

// SetProcessPrefix sets the process column of every line written by this
// process. Children set it to their cluster id before the first log line.
func SetProcessPrefix(prefix string) {
	processPrefix = prefix
}

// CreateLogger is the logger.Factory installed by InitLoggers
func CreateLogger(pkgName string) logger.ILogger {
	return &processLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(logOutput, "", log.Ldate|log.Ltime),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts the --log-level / CLUSTER_LOG_LEVEL value
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// LoggerNames lists every named logger of the application
var LoggerNames = []string{"cluster", "bucket", "ipc", "transport", "rest", "gateway"}

// InitLoggers installs CreateLogger as the factory of dragonboats logger
// package and applies level to every logger in LoggerNames. Manager and
// children call it once at startup with their configured level.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
