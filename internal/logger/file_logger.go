package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger represents a file logger for trading activities
type Logger struct {
	underlying string
	session    string
	logFile    *os.File
	logger     *log.Logger
	mu         sync.Mutex
	logDir     string
}

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelRisk    LogLevel = "RISK"
	LogLevelStatus  LogLevel = "STATUS"
)

// NewLogger creates a new file logger for the specified underlying and session name
func NewLogger(underlying, session string) (*Logger, error) {
	// Create log directory if it doesn't exist
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create log filename with timestamp
	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s.log", underlying, session, timestamp)
	logPath := filepath.Join(logDir, filename)

	// Open or create log file
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create logger with timestamp and no prefix (we'll add our own formatting)
	logger := log.New(file, "", 0)

	l := &Logger{
		underlying: underlying,
		session:    session,
		logFile:    file,
		logger:     logger,
		logDir:     logDir,
	}

	// Write session start header
	l.writeSessionHeader()

	return l, nil
}

// writeSessionHeader writes a session start header to the log
func (l *Logger) writeSessionHeader() {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := fmt.Sprintf(`
================================================================================
🚀 OPTIONS TRADING SESSION STARTED
================================================================================
Underlying: %s | Session: %s
Started: %s
Log File: %s_%s_%s.log
================================================================================
`, l.underlying, l.session, time.Now().Format("2006-01-02 15:04:05"),
		l.underlying, l.session, time.Now().Format("2006-01-02"))

	l.logger.Print(header)
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logEntry := fmt.Sprintf("[%s] [%s] %s", timestamp, level, message)

	l.logger.Println(logEntry)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs a trading action
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Risk logs a risk decision or alert
func (l *Logger) Risk(format string, args ...interface{}) {
	l.Log(LogLevelRisk, format, args...)
}

// Status logs position status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogOrderTransition logs an order state machine transition
func (l *Logger) LogOrderTransition(orderID, symbol, from, to, detail string) {
	if detail != "" {
		l.Trade("Order %s (%s): %s -> %s | %s", orderID, symbol, from, to, detail)
	} else {
		l.Trade("Order %s (%s): %s -> %s", orderID, symbol, from, to)
	}
}

// LogTradeOpened logs a new multi-leg position
func (l *Logger) LogTradeOpened(tradeID, kind string, lots, legs int, entryValue float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")

	tradeLog := fmt.Sprintf(`
[%s] [TRADE] ==================== POSITION OPENED ====================
✅ Trade ID: %s
🧩 Strategy: %s | Legs: %d
📦 Lots: %d
💵 Net Entry Value: %.2f
=============================================================`,
		timestamp, tradeID, kind, legs, lots, entryValue)

	l.logger.Println(tradeLog)
}

// LogTradeClosed logs a position exit with its realized outcome
func (l *Logger) LogTradeClosed(tradeID, reason string, realizedPnL float64, held time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")

	tradeLog := fmt.Sprintf(`
[%s] [TRADE] ==================== POSITION CLOSED ====================
🚪 Trade ID: %s
🎯 Reason: %s
💹 Realized P&L: %.2f
⏱️ Held: %s
=============================================================`,
		timestamp, tradeID, reason, realizedPnL, held.Round(time.Second))

	l.logger.Println(tradeLog)
}

// LogPositionStatus logs a monitoring snapshot for an open trade
func (l *Logger) LogPositionStatus(tradeID string, unrealizedPnL, profitTarget, stopLoss float64, age time.Duration) {
	l.Status("Trade %s | P&L: %.2f | Target: %.2f | Stop: -%.2f | Age: %s",
		tradeID, unrealizedPnL, profitTarget, stopLoss, age.Round(time.Second))
}

// LogRiskViolation logs a blocked trade with its violated rules
func (l *Logger) LogRiskViolation(signalID, reason string, violations []string) {
	l.Risk("Signal %s blocked: %s | violations: %v", signalID, reason, violations)
}

// LogEmergencyStop logs activation of the emergency stop
func (l *Logger) LogEmergencyStop(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")

	stopLog := fmt.Sprintf(`
[%s] [RISK] ==================== EMERGENCY STOP ====================
🚨 Source: %s
🚨 All new entries blocked, open positions being flattened
=============================================================`,
		timestamp, source)

	l.logger.Println(stopLog)
}

// LogError logs error with context
func (l *Logger) LogError(context string, err error) {
	l.Error("%s: %v", context, err)
}

// LogWarning logs warning with context
func (l *Logger) LogWarning(context string, message string, args ...interface{}) {
	fullMessage := fmt.Sprintf(context+": "+message, args...)
	l.Warning("%s", fullMessage)
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		// Write session end header
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		footer := fmt.Sprintf(`
================================================================================
🛑 OPTIONS TRADING SESSION ENDED
================================================================================
Ended: %s
================================================================================

`, timestamp)
		l.logger.Print(footer)

		return l.logFile.Close()
	}
	return nil
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s.log", l.underlying, l.session, timestamp)
	return filepath.Join(l.logDir, filename)
}
