// Package report persists completed positions as CSV rows.
//
// One file per engine run, one row per completed position. Writes are
// mutex-protected and flushed per row, so a crash loses at most the row in
// flight. The controller calls Append from its completion hook.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradekit/internal/position"
)

var header = []string{
	"time", "operation", "sub_id", "strategy", "symbol", "venue", "side",
	"planned_qty", "opened_qty", "closed_qty",
	"open_avg_price", "close_avg_price",
	"open_orders", "close_orders", "commission",
	"realized_pnl", "operation_result", "operation_pnl",
	"close_reason", "is_error",
}

// Writer appends completed-position rows to one CSV file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// Open creates (or truncates) the report file under dir, named by the
// start timestamp.
func Open(dir string, startedAt time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, "positions_"+startedAt.Format("20060102_150405")+".csv")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	w := &Writer{file: file, csv: csv.NewWriter(file)}
	if err := w.csv.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write report header: %w", err)
	}
	w.csv.Flush()
	return w, nil
}

// Append writes one completed position.
func (w *Writer) Append(p *position.Position) error {
	row := []string{
		time.Now().Format(time.RFC3339),
		p.OperationID().String(),
		strconv.FormatInt(p.SubID(), 10),
		p.Host().Name(),
		p.Security().Symbol().String(),
		p.Venue().Name(),
		p.Side().String(),
		formatFloat(p.PlannedQty()),
		formatFloat(p.OpenedQty()),
		formatFloat(p.ClosedQty()),
		formatFloat(p.OpenAvgPrice()),
		formatFloat(p.CloseAvgPrice()),
		strconv.Itoa(p.NumberOfOpenOrders()),
		strconv.Itoa(p.NumberOfCloseOrders()),
		formatFloat(p.Commission()),
		formatFloat(p.RealizedPnl()),
		p.Operation().Pnl().Result().String(),
		formatTotals(p.Operation().Pnl().Totals()),
		p.CloseReason().String(),
		strconv.FormatBool(p.IsError()),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write report row: %w", err)
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatTotals renders the per-asset operation result as "BTC:0.1;USD:-12",
// sorted by asset for stable rows.
func formatTotals(totals map[string]float64) string {
	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	parts := make([]string, 0, len(assets))
	for _, asset := range assets {
		parts = append(parts, asset+":"+formatFloat(totals[asset]))
	}
	return strings.Join(parts, ";")
}
