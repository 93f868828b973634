// Package quotelog keeps an append-only JSONL journal of live-price batches,
// one file per IST trading day.
package quotelog

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"smartapi-gateway/internal/types"
)

var ist = time.FixedZone("IST", 19800)

type Entry struct {
	Time           string  `json:"time"`
	SessionID      string  `json:"session_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price,omitempty"`
	Change         float64 `json:"change,omitempty"`
	PercentChange  float64 `json:"percent_change,omitempty"`
	LastTradedTime string  `json:"last_traded_time,omitempty"`
	Error          string  `json:"error,omitempty"`
}

type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string) *Journal {
	if dir == "" {
		dir = "logs"
	}
	return &Journal{dir: dir, now: time.Now}
}

func (j *Journal) dailyFilepath(t time.Time) string {
	return filepath.Join(j.dir, "quotes", t.In(ist).Format("2006-01-02")+".txt")
}

// Record appends one line per quote.
func (j *Journal) Record(sessionID string, quotes []types.PriceQuote) error {
	if len(quotes) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().In(ist)
	p := j.dailyFilepath(now)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := now.Format("2006-01-02 15:04:05")
	enc := json.NewEncoder(f)
	for _, q := range quotes {
		e := Entry{Time: stamp, SessionID: sessionID, Symbol: q.Symbol, Error: q.Error}
		if q.OK() {
			e.Price = q.LTP.LastPrice
			e.Change = q.LTP.Change
			e.PercentChange = q.LTP.PercentChange
			e.LastTradedTime = q.LTP.LastTradedTime
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write quote journal: %w", err)
		}
	}
	return nil
}

// CompressOlder gzips journal files last modified more than retentionDays ago.
// A file that fails to compress is left in place and reported; the rest are
// still processed.
func (j *Journal) CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().AddDate(0, 0, -retentionDays)
	root := filepath.Join(j.dir, "quotes")
	var errs []error
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		// already compressed on a previous run
		if _, err := os.Stat(gz); err == nil {
			if err := os.Remove(p); err != nil {
				errs = append(errs, err)
			}
			return nil
		}
		if err := gzipFile(p, gz); err != nil {
			_ = os.Remove(gz)
			errs = append(errs, fmt.Errorf("compress %s: %w", filepath.Base(p), err))
			return nil
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	return errors.Join(append(errs, walkErr)...)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
