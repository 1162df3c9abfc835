package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/models"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
)

// EntryKind identifies what a ledger line records.
type EntryKind string

const (
	EntryOrderTransition EntryKind = "order_transition"
	EntryTradeOpened     EntryKind = "trade_opened"
	EntryTradeClosed     EntryKind = "trade_closed"
	EntryRiskEvent       EntryKind = "risk_event"
)

// Entry is one append-only ledger line. Written as JSONL so the file
// survives crashes mid-session and tails cleanly.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"kind"`
	TradeID   string    `json:"trade_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	PnL       float64   `json:"pnl,omitempty"`
	Lots      int       `json:"lots,omitempty"`
}

// Ledger is the append-only trade ledger. Every order transition and
// trade lifecycle event lands here exactly once, in order.
type Ledger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates or appends to the ledger file at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	return &Ledger{path: path, file: file}, nil
}

// Append writes one entry, stamping it if the caller did not.
func (l *Ledger) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// RecordTransition implements orders.TransitionRecorder.
func (l *Ledger) RecordTransition(order *orders.Order, from, to orders.OrderState, detail string) {
	// Ledger write failures must not take down the trading path.
	_ = l.Append(Entry{
		Kind:    EntryOrderTransition,
		TradeID: order.TradeID,
		OrderID: order.ID,
		Symbol:  order.Symbol,
		From:    string(from),
		To:      string(to),
		Detail:  detail,
	})
}

// RecordTradeOpened logs a new position.
func (l *Ledger) RecordTradeOpened(trade *models.Trade) {
	_ = l.Append(Entry{
		Kind:    EntryTradeOpened,
		TradeID: trade.ID,
		Symbol:  trade.Underlying,
		Detail:  string(trade.Kind),
		Lots:    trade.Lots,
		PnL:     trade.EntryValue,
	})
}

// RecordTradeClosed logs a position exit with its realized result.
func (l *Ledger) RecordTradeClosed(trade *models.Trade) {
	_ = l.Append(Entry{
		Kind:    EntryTradeClosed,
		TradeID: trade.ID,
		Symbol:  trade.Underlying,
		Detail:  trade.CloseReason,
		Lots:    trade.Lots,
		PnL:     trade.RealizedPnL,
	})
}

// RecordRiskEvent logs an emergency stop or limit breach.
func (l *Ledger) RecordRiskEvent(detail string) {
	_ = l.Append(Entry{Kind: EntryRiskEvent, Detail: detail})
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// ReadAll loads every entry from a ledger file, for reporting.
func ReadAll(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Torn final line from a crash is not fatal.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return entries, nil
}
