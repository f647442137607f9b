// Package feed reads the external signal and blackout files and turns
// them into trade signals and deactivation ranges. The files are CSVs
// rewritten in place by an upstream process; only the newest row of each
// matters.
package feed

import (
	"context"
	"encoding/csv"
	"os"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/oarkflow/convert"
	"github.com/oarkflow/errors"
	"github.com/oarkflow/log"

	"github.com/jumpei00/gofuturestrade/trading"
)

// lastRow returns the header and the newest data row. The header names
// the columns; extra or reordered columns are legal.
func lastRow(path string) (header, row []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.NewE(err, "feed file open failed", "")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.NewE(err, "feed file parse failed", "")
	}
	if len(rows) < 2 {
		return nil, nil, errors.New("feed file has no data rows")
	}
	return rows[0], rows[len(rows)-1], nil
}

// field looks a column value up by its header name.
func field(header, row []string, name string) (string, error) {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			if i >= len(row) {
				return "", errors.New("feed row is missing the " + name + " column")
			}
			return strings.TrimSpace(row[i]), nil
		}
	}
	return "", errors.New("feed header has no " + name + " column")
}

// ReadSignal returns the newest trade signal in the file.
func ReadSignal(path string) (trading.TradeSignal, error) {
	header, row, err := lastRow(path)
	if err != nil {
		return trading.TradeSignal{}, err
	}

	datetimeField, err := field(header, row, "datetime")
	if err != nil {
		return trading.TradeSignal{}, err
	}
	signalField, err := field(header, row, "signal")
	if err != nil {
		return trading.TradeSignal{}, err
	}
	lagField, err := field(header, row, "lag")
	if err != nil {
		return trading.TradeSignal{}, err
	}

	datetime, err := dateparse.ParseLocal(datetimeField)
	if err != nil {
		return trading.TradeSignal{}, errors.NewE(err, "signal datetime parse failed", "")
	}
	value, ok := convert.ToInt(signalField)
	if !ok {
		return trading.TradeSignal{}, errors.New("signal value is not an integer")
	}
	lagSec, ok := convert.ToFloat64(lagField)
	if !ok {
		return trading.TradeSignal{}, errors.New("signal lag is not a number")
	}

	return trading.TradeSignal{
		Value:    trading.Direction(value),
		Datetime: datetime,
		Lag:      time.Duration(lagSec * float64(time.Second)),
	}, nil
}

// ReadRange returns the newest blackout range in the file. The header
// names start and end columns.
func ReadRange(path string) (trading.DatetimeRange, error) {
	header, row, err := lastRow(path)
	if err != nil {
		return trading.DatetimeRange{}, err
	}

	startField, err := field(header, row, "start")
	if err != nil {
		return trading.DatetimeRange{}, err
	}
	endField, err := field(header, row, "end")
	if err != nil {
		return trading.DatetimeRange{}, err
	}

	start, err := dateparse.ParseLocal(startField)
	if err != nil {
		return trading.DatetimeRange{}, errors.NewE(err, "range start parse failed", "")
	}
	end, err := dateparse.ParseLocal(endField)
	if err != nil {
		return trading.DatetimeRange{}, errors.NewE(err, "range end parse failed", "")
	}
	return trading.DatetimeRange{Start: start, End: end}, nil
}

// Watcher polls the signal and blackout files and publishes what it
// finds. Signals repeating the previously seen datetime are dropped, and
// everything read during the startup grace window is discarded so stale
// rows left over from the previous run cannot fire a trade.
type Watcher struct {
	SignalPath    string
	BlackoutPaths []string
	Interval      time.Duration
	StartupGrace  time.Duration

	// OnRange is invoked with the source path and its newest range.
	OnRange func(source string, r trading.DatetimeRange)

	signals  chan trading.TradeSignal
	lastSeen time.Time
}

// NewWatcher returns a watcher with the default grace window.
func NewWatcher(signalPath string, blackoutPaths []string, interval time.Duration) *Watcher {
	return &Watcher{
		SignalPath:    signalPath,
		BlackoutPaths: blackoutPaths,
		Interval:      interval,
		StartupGrace:  5 * time.Second,
		signals:       make(chan trading.TradeSignal, 16),
	}
}

// Signals is the channel new trade signals are published on.
func (w *Watcher) Signals() <-chan trading.TradeSignal {
	return w.signals
}

// Run polls until the context ends. The signal channel is closed on
// return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.signals)

	graceEnd := time.Now().Add(w.StartupGrace)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	// Prime the dedupe state immediately so a fresh row arriving right
	// after the grace window is not mistaken for a stale one.
	w.poll(time.Now().Before(graceEnd))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(time.Now().Before(graceEnd))
		}
	}
}

func (w *Watcher) poll(inGrace bool) {
	sig, err := ReadSignal(w.SignalPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.SignalPath).Msg("signal file read failed")
	} else if !sig.Datetime.Equal(w.lastSeen) {
		w.lastSeen = sig.Datetime
		if inGrace {
			log.Info().Time("datetime", sig.Datetime).Msg("discarding signal read during startup grace")
		} else {
			select {
			case w.signals <- sig:
			default:
				log.Warn().Msg("signal channel full, dropping signal")
			}
		}
	}

	if w.OnRange == nil {
		return
	}
	for _, path := range w.BlackoutPaths {
		r, err := ReadRange(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("blackout file read failed")
			continue
		}
		w.OnRange(path, r)
	}
}
