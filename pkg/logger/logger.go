package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

var activeWriter *DailyRotatingWriter

// Setup configures application logging to stdout plus a daily rotating file.
func Setup(logDir string) (*log.Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %v", err)
	}

	fileWriter, err := NewDailyRotatingWriter(logDir, "walite-%s.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %v", err)
	}
	activeWriter = fileWriter

	multi := io.MultiWriter(os.Stdout, fileWriter)
	lg := log.New(multi, "", log.LstdFlags|log.Lshortfile)

	today := time.Now().Format("2006-01-02")
	lg.Printf("Logging initialized to %s", filepath.Join(logDir, fmt.Sprintf("walite-%s.log", today)))

	return lg, nil
}

// SetupFallback returns a console-only logger for when file logging fails.
func SetupFallback() *log.Logger {
	fmt.Println("Failed to set up file logging, using console logging only")
	return log.New(os.Stdout, "", log.LstdFlags|log.Lshortfile)
}

// Close closes the active log file.
func Close() error {
	if activeWriter != nil {
		return activeWriter.Close()
	}
	return nil
}
