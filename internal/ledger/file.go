package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

const compactEvery = 1000

// fileLedger keeps records in memory and journals every change.
//
// Files:
//   - <prefix>.snapshot.jsonl (one record per line, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only; each line is a record after a change)
//
// On open the snapshot is loaded and the journal replayed; the last line for
// a key wins.
type fileLedger struct {
	log logx.Logger

	mu  sync.Mutex
	mem *Memory

	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.jsonl"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := replay(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replay(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("ledger opened", logx.String("driver", "file"), logx.String("path", prefix), logx.Int("records", len(mem.recs)))
	return &fileLedger{log: log, mem: mem, snapshotPath: snapPath, journal: jf}, nil
}

func replay(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r model.DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if r.EventID == "" || r.RecipientID == "" {
			continue
		}
		mem.recs[r.Key()] = normalizeRecord(r)
	}
	return sc.Err()
}

// commitLocked runs change against memory and journals its result while the
// memory lock is held. A failed journal write restores the previous record,
// so memory never runs ahead of disk. Caller holds l.mu.
func (l *fileLedger) commitLocked(key model.IntentKey, change func() (model.DeliveryRecord, bool, error)) (model.DeliveryRecord, bool, error) {
	l.mem.mu.Lock()
	prior, existed := l.mem.recs[key]
	rec, changed, err := change()
	if err == nil && changed {
		if err = l.writeLocked(rec); err != nil {
			if existed {
				l.mem.recs[key] = prior
			} else {
				delete(l.mem.recs, key)
			}
			rec, changed = prior, false
		}
	}
	l.mem.mu.Unlock()
	if err != nil || !changed {
		return rec, changed, err
	}

	l.writes++
	if l.writes%compactEvery == 0 {
		if err := l.compactLocked(); err != nil {
			l.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return rec, true, nil
}

func (l *fileLedger) writeLocked(rec model.DeliveryRecord) error {
	if l.journal == nil {
		return errors.New("ledger journal closed")
	}
	return json.NewEncoder(l.journal).Encode(rec)
}

func (l *fileLedger) compactLocked() error {
	tmp := l.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	l.mem.mu.RLock()
	recs := l.mem.all()
	l.mem.mu.RUnlock()
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}
	if err := l.journal.Truncate(0); err != nil {
		return err
	}
	_, err = l.journal.Seek(0, 2)
	return err
}

func (l *fileLedger) Reserve(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(rec.Key(), func() (model.DeliveryRecord, bool, error) {
		return l.mem.reserveLocked(rec)
	})
}

func (l *fileLedger) Complete(ctx context.Context, key model.IntentKey, out Outcome) (model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, _, err := l.commitLocked(key, func() (model.DeliveryRecord, bool, error) {
		rec, err := l.mem.completeLocked(key, out)
		return rec, err == nil, err
	})
	return rec, err
}

func (l *fileLedger) Suppress(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok, err := l.commitLocked(rec.Key(), func() (model.DeliveryRecord, bool, error) {
		stored, ok := l.mem.suppressLocked(rec)
		return stored, ok, nil
	})
	return ok, err
}

func (l *fileLedger) MarkRead(ctx context.Context, key model.IntentKey, at time.Time) (model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, _, err := l.commitLocked(key, func() (model.DeliveryRecord, bool, error) {
		rec, err := l.mem.markReadLocked(key, at)
		return rec, err == nil, err
	})
	return rec, err
}

func (l *fileLedger) Get(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error) {
	return l.mem.Get(ctx, key)
}

func (l *fileLedger) List(ctx context.Context, q Query) (Page, error) {
	return l.mem.List(ctx, q)
}

func (l *fileLedger) Scan(ctx context.Context, from, to time.Time, fn func(model.DeliveryRecord) error) error {
	return l.mem.Scan(ctx, from, to, fn)
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	cerr := l.compactLocked()
	err := l.journal.Close()
	l.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}
