// Package tradelog appends order lifecycle events to a CSV file, one row per
// event, in the column layout the desk's spreadsheets expect.
package tradelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var header = []string{
	"timestamp", "order_id", "event_type", "action",
	"order_type", "trigger_price", "executed_price",
	"fill_quantity", "status", "message",
}

type Event struct {
	Time          time.Time
	OrderID       string
	Type          string // Placed, Rejected, PartialFill, Executed, Cancelled
	Action        string // BUY or SELL
	OrderType     string
	TriggerPrice  decimal.Decimal
	ExecutedPrice *decimal.Decimal
	FillQuantity  int
	Status        string
	Message       string
}

type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// Open creates or appends to path. The header row is written only when the
// file is new or empty.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fresh := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		fresh = false
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	r := &Recorder{file: f, w: csv.NewWriter(f)}
	if fresh {
		if err := r.write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return r, nil
}

// PathFor returns <dir>/trades_<UTC start>.csv.
func PathFor(dir string, start time.Time) string {
	return filepath.Join(dir, "trades_"+start.UTC().Format("2006-01-02T15-04-05Z")+".csv")
}

func (r *Recorder) Record(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	exec := ""
	if e.ExecutedPrice != nil {
		exec = e.ExecutedPrice.String()
	}
	return r.write([]string{
		e.Time.UTC().Format("2006-01-02 15:04:05"),
		e.OrderID,
		e.Type,
		e.Action,
		e.OrderType,
		e.TriggerPrice.String(),
		exec,
		strconv.Itoa(e.FillQuantity),
		e.Status,
		e.Message,
	})
}

func (r *Recorder) write(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	return r.w.Error()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	r.w.Flush()
	err := r.file.Close()
	r.file = nil
	return err
}
