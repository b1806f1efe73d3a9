// Package logger provides structured logging functionality for the Training Integrity System.
// Built on top of zerolog for high-performance structured logging with contextual fields.
// Supports dual output to console and structured log files with timestamped naming.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global variables for file logging
	logFileMutex        sync.Mutex
	sequenceCounter     = make(map[string]int)
	serviceLoggers      = make(map[ServiceType]*os.File)
	serviceMultiWriters = make(map[ServiceType]io.Writer)
)

// LogCategory represents different types of log events
type LogCategory string

const (
	Startup   LogCategory = "startup"
	Request   LogCategory = "request"
	Heartbeat LogCategory = "heartbeat"
	Challenge LogCategory = "challenge"
	Audit     LogCategory = "audit"
	Reaper    LogCategory = "reaper"
	Error     LogCategory = "error"
	General   LogCategory = "general"
)

// ServiceType represents the service generating the logs
type ServiceType string

const (
	Proctor ServiceType = "proctor"
)

// setGlobalLevel applies the configured log level, defaulting to info.
func setGlobalLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Init initializes the global logger with the specified log level.
// Sets up console output with pretty formatting for development use.
func Init(level string) {
	setGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
}

// InitWithFileLogging initializes the logger with both console and file output.
// Creates timestamped log files in the logs/ directory with service information.
func InitWithFileLogging(level string, service ServiceType) {
	setGlobalLevel(level)

	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	multiWriter, err := ensureMultiWriter(service)
	if err != nil {
		fmt.Printf("Failed to set up file logging: %v\n", err)
		return
	}

	log.Logger = zerolog.New(multiWriter).With().Timestamp().Logger()
}

// NewCategoryLogger creates a new logger instance with file output for a specific category.
// All categories for the same service write to the same file, with category information
// in the log entry.
func NewCategoryLogger(level string, service ServiceType, category LogCategory) zerolog.Logger {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	multiWriter, err := ensureMultiWriter(service)
	if err != nil {
		fmt.Printf("Failed to set up file logging: %v\n", err)
		return log.Logger
	}

	return zerolog.New(multiWriter).With().Timestamp().
		Str("service", string(service)).
		Str("category", string(category)).
		Logger()
}

// ensureMultiWriter returns the console+file writer for the service, creating
// the log file on first use. Caller must hold logFileMutex.
func ensureMultiWriter(service ServiceType) (io.Writer, error) {
	if multiWriter, exists := serviceMultiWriters[service]; exists {
		return multiWriter, nil
	}

	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFilePath := filepath.Join("logs", generateLogFileName(service))

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	serviceLoggers[service] = logFile

	// Console gets pretty format, file gets JSON
	multiWriter := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
		logFile,
	)
	serviceMultiWriters[service] = multiWriter

	fmt.Printf("Logging for service %s to file: %s\n", service, logFilePath)
	return multiWriter, nil
}

// generateLogFileName creates a timestamped log file name with sequence number.
// Format: YYYYMMDD_HHMMSS_{service}_{sequence}.log
// Note: This function assumes the logFileMutex is already locked by the caller
func generateLogFileName(service ServiceType) string {
	now := time.Now()
	dateStr := now.Format("20060102")
	timeStr := now.Format("150405")

	key := fmt.Sprintf("%s_%s_%s", dateStr, timeStr, service)
	sequenceCounter[key]++

	return fmt.Sprintf("%s_%s_%s_%03d.log", dateStr, timeStr, service, sequenceCounter[key])
}

// WithRequestID creates a logger with a request ID field.
// Used for tracing requests across service boundaries and operations.
func WithRequestID(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}

// WithSessionID creates a logger with a session ID field.
// Used for tracking operations related to a specific proctored session.
func WithSessionID(sessionID string) zerolog.Logger {
	return log.With().Str("session_id", sessionID).Logger()
}

// WithWorkerID creates a logger with a worker ID field.
func WithWorkerID(workerID string) zerolog.Logger {
	return log.With().Str("worker_id", workerID).Logger()
}

// CleanupOldLogs removes log files older than the specified number of days.
// Helps prevent logs directory from growing indefinitely.
func CleanupOldLogs(daysToKeep int) error {
	logsDir := "logs"
	if _, err := os.Stat(logsDir); os.IsNotExist(err) {
		return nil // No logs directory, nothing to clean
	}

	return filepath.Walk(logsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || !strings.HasSuffix(info.Name(), ".log") {
			return nil
		}

		age := time.Since(info.ModTime())
		if age > time.Duration(daysToKeep)*24*time.Hour {
			fmt.Printf("Removing old log file: %s\n", path)
			return os.Remove(path)
		}

		return nil
	})
}
