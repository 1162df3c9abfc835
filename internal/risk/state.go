package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/models"
)

// State owns all mutable risk data: the daily counters, the rolling
// trade-result window feeding Kelly sizing, and the open trade
// registry. Everything goes through its lock; nothing here is global.
type State struct {
	mu       sync.RWMutex
	location *time.Location

	day        string
	daily      DailyRiskMetrics
	results    []float64 // realized P&L per closed trade, newest last
	window     int
	openTrades map[string]*models.Trade
}

// NewState creates a risk state for the given timezone and Kelly
// window length.
func NewState(timezone string, window int) (*State, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	if window <= 0 {
		window = 20
	}

	now := time.Now().In(loc)
	return &State{
		location:   loc,
		day:        now.Format("2006-01-02"),
		daily:      DailyRiskMetrics{Date: now.Format("2006-01-02")},
		window:     window,
		openTrades: make(map[string]*models.Trade),
	}, nil
}

// RolloverIfNeeded resets the daily counters when the local calendar
// day changes. The Kelly window and open trade registry survive the
// rollover; so does the emergency stop, which lives elsewhere.
func (s *State) RolloverIfNeeded(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.In(s.location).Format("2006-01-02")
	if day == s.day {
		return false
	}

	s.day = day
	s.daily = DailyRiskMetrics{Date: day}
	return true
}

// RecordResult folds a closed trade's realized P&L into the daily
// counters and the rolling result window.
func (s *State) RecordResult(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.daily.RealizedPnL += pnl
	if pnl >= 0 {
		s.daily.Wins++
	} else {
		s.daily.Losses++
	}

	s.results = append(s.results, pnl)
	if len(s.results) > s.window {
		s.results = s.results[len(s.results)-s.window:]
	}
}

// CountTrade increments the daily trade counter. The count is monotone
// within a day regardless of trade outcome.
func (s *State) CountTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily.TradeCount++
}

// RegisterTrade adds a trade to the open registry.
func (s *State) RegisterTrade(trade *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openTrades[trade.ID] = trade
}

// CompleteTrade removes a trade from the registry and records its
// realized result.
func (s *State) CompleteTrade(tradeID string, pnl float64) {
	s.mu.Lock()
	delete(s.openTrades, tradeID)
	s.mu.Unlock()

	s.RecordResult(pnl)
}

// OpenTrades returns a snapshot slice of the open trade pointers.
func (s *State) OpenTrades() []*models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]*models.Trade, 0, len(s.openTrades))
	for _, t := range s.openTrades {
		trades = append(trades, t)
	}
	return trades
}

// OpenCount returns the number of open trades.
func (s *State) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.openTrades)
}

// Daily returns a copy of the current day's metrics.
func (s *State) Daily() DailyRiskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily
}

// WindowStats returns the win rate and average win/loss magnitudes over
// the rolling window, plus the sample count.
func (s *State) WindowStats() (winRate, avgWin, avgLoss float64, samples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples = len(s.results)
	if samples == 0 {
		return 0, 0, 0, 0
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, pnl := range s.results {
		if pnl >= 0 {
			wins++
			winSum += pnl
		} else {
			losses++
			lossSum += -pnl
		}
	}

	winRate = float64(wins) / float64(samples)
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, avgWin, avgLoss, samples
}
