package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/xuri/excelize/v2"
)

// SessionSummary aggregates a ledger into the numbers worth printing.
type SessionSummary struct {
	TradesOpened  int
	TradesClosed  int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	Transitions   int
	RiskEvents    int
}

// Summarize folds ledger entries into a session summary.
func Summarize(entries []Entry) *SessionSummary {
	summary := &SessionSummary{}
	for _, e := range entries {
		switch e.Kind {
		case EntryTradeOpened:
			summary.TradesOpened++
		case EntryTradeClosed:
			summary.TradesClosed++
			summary.TotalPnL += e.PnL
			if e.PnL >= 0 {
				summary.WinningTrades++
			} else {
				summary.LosingTrades++
			}
		case EntryOrderTransition:
			summary.Transitions++
		case EntryRiskEvent:
			summary.RiskEvents++
		}
	}
	return summary
}

// PrintConsoleSummary renders the session summary and closed trades as
// console tables.
func PrintConsoleSummary(entries []Entry) {
	summary := Summarize(entries)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("📊 Session Summary")
	t.AppendRows([]table.Row{
		{"Trades Opened", summary.TradesOpened},
		{"Trades Closed", summary.TradesClosed},
		{"Winning Trades", summary.WinningTrades},
		{"Losing Trades", summary.LosingTrades},
		{"Total Realized P&L", fmt.Sprintf("%.2f", summary.TotalPnL)},
		{"Order Transitions", summary.Transitions},
		{"Risk Events", summary.RiskEvents},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	closed := table.NewWriter()
	closed.SetOutputMirror(os.Stdout)
	closed.SetTitle("Closed Trades")
	closed.AppendHeader(table.Row{"Trade", "Underlying", "Lots", "Reason", "P&L"})
	for _, e := range entries {
		if e.Kind != EntryTradeClosed {
			continue
		}
		closed.AppendRow(table.Row{e.TradeID, e.Symbol, e.Lots, e.Detail, fmt.Sprintf("%.2f", e.PnL)})
	}
	closed.SetStyle(table.StyleRounded)
	closed.Render()
}

// WriteExcelReport writes the full ledger and summary to an Excel
// workbook for end-of-day review.
func WriteExcelReport(entries []Entry, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	const summarySheet = "Summary"
	const tradesSheet = "Trades"
	const transitionsSheet = "Order Transitions"

	fx.SetSheetName(fx.GetSheetName(0), summarySheet)
	fx.NewSheet(tradesSheet)
	fx.NewSheet(transitionsSheet)

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	summary := Summarize(entries)
	summaryRows := [][]interface{}{
		{"Trades Opened", summary.TradesOpened},
		{"Trades Closed", summary.TradesClosed},
		{"Winning Trades", summary.WinningTrades},
		{"Losing Trades", summary.LosingTrades},
		{"Total Realized P&L", summary.TotalPnL},
		{"Order Transitions", summary.Transitions},
		{"Risk Events", summary.RiskEvents},
	}
	for i, row := range summaryRows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := fx.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}

	tradeHeader := []interface{}{"Time", "Trade ID", "Underlying", "Strategy/Reason", "Lots", "P&L"}
	if err := fx.SetSheetRow(tradesSheet, "A1", &tradeHeader); err != nil {
		return err
	}
	fx.SetCellStyle(tradesSheet, "A1", "F1", headerStyle)

	row := 2
	for _, e := range entries {
		if e.Kind != EntryTradeOpened && e.Kind != EntryTradeClosed {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.TradeID, e.Symbol, e.Detail, e.Lots, e.PnL,
		}
		if err := fx.SetSheetRow(tradesSheet, cell, &values); err != nil {
			return err
		}
		row++
	}

	transHeader := []interface{}{"Time", "Order ID", "Trade ID", "Symbol", "From", "To", "Detail"}
	if err := fx.SetSheetRow(transitionsSheet, "A1", &transHeader); err != nil {
		return err
	}
	fx.SetCellStyle(transitionsSheet, "A1", "G1", headerStyle)

	row = 2
	for _, e := range entries {
		if e.Kind != EntryOrderTransition {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.OrderID, e.TradeID, e.Symbol, e.From, e.To, e.Detail,
		}
		if err := fx.SetSheetRow(transitionsSheet, cell, &values); err != nil {
			return err
		}
		row++
	}

	return fx.SaveAs(path)
}
