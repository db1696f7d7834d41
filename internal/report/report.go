// Package report renders backtest results for the terminal.
package report

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"quantbench/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	gainStyle   = cellStyle.Foreground(lipgloss.Color("10"))
	lossStyle   = cellStyle.Foreground(lipgloss.Color("9"))
	dimStyle    = cellStyle.Foreground(lipgloss.Color("245"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Row is one line of the summary table. Err is set for jobs that produced
// no result.
type Row struct {
	Strategy string
	Symbol   string
	Result   *domain.BacktestResult
	Err      error
}

// Summary column indexes.
const (
	colStrategy = iota
	colSymbol
	colTrades
	colReturn
	colWinRate
	colDrawdown
	colFinal
	colNotes
)

var headers = []string{"Strategy", "Symbol", "Trades", "Return %", "Win %", "Max DD %", "Final", "Notes"}

// Summary renders rows as a bordered table.
func Summary(rows []Row) string {
	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = summaryCells(r)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(rows) {
				return cellStyle
			}
			r := rows[row]
			switch {
			case r.Err != nil:
				return dimStyle
			case col == colReturn && r.Result.TotalReturnRate > 0:
				return gainStyle
			case col == colReturn && r.Result.TotalReturnRate < 0:
				return lossStyle
			case col == colNotes:
				return dimStyle
			}
			return cellStyle
		})
	return t.Render()
}

func summaryCells(r Row) []string {
	if r.Err != nil {
		return []string{r.Strategy, r.Symbol, "-", "-", "-", "-", "-", r.Err.Error()}
	}
	res := r.Result
	notes := ""
	if n := len(res.Warnings); n > 0 {
		notes = fmt.Sprintf("%d warning(s)", n)
	}
	return []string{
		r.Strategy,
		r.Symbol,
		strconv.Itoa(res.TradeCount),
		pct(res.TotalReturnRate),
		pct(res.WinRate),
		pct(res.MaxDrawdownRate),
		money(res.FinalCapital),
		notes,
	}
}

// Trades renders a run's ledger.
func Trades(res *domain.BacktestResult) string {
	cells := make([][]string, len(res.Trades))
	for i, tr := range res.Trades {
		profit, rate := "", ""
		if tr.Type == domain.SideSell {
			profit, rate = money(tr.Profit), pct(tr.ProfitRate)
		}
		cells[i] = []string{
			tr.Date.Format("2006-01-02"),
			string(tr.Type),
			money(tr.Price),
			strconv.FormatFloat(tr.Quantity, 'f', -1, 64),
			money(tr.Amount),
			money(tr.Commission),
			profit,
			rate,
			tr.Reason,
		}
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("Date", "Side", "Price", "Qty", "Amount", "Commission", "Profit", "Profit %", "Reason").
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func pct(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
