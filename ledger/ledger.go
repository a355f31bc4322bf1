// Package ledger keeps the durable record of compute-job handles created
// for one run. The record is a single JSON array object in the results
// bucket; appending rewrites the whole object, so a missing object is just
// an empty ledger and duplicate handles collapse on every write.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/izavyalov-dev/cloudblast/internal/cloudstorage"
)

// Ledger records job handles at a fixed object-storage key.
//
// Appends follow read-merge-dedupe-rewrite against storage offering only
// get and put. Concurrent appenders within one process are serialized by
// the internal mutex; the small cross-process race window is accepted by
// contract.
type Ledger struct {
	store cloudstorage.Client
	uri   string

	mu sync.Mutex
}

// New builds a ledger persisted at uri.
func New(store cloudstorage.Client, uri string) *Ledger {
	return &Ledger{store: store, uri: uri}
}

// URI reports where the ledger is persisted.
func (l *Ledger) URI() string {
	return l.uri
}

// Append merges handles into the persisted set and rewrites it.
func (l *Ledger) Append(ctx context.Context, handles ...string) error {
	if len(handles) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.load(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing)+len(handles))
	merged := make([]string, 0, len(existing)+len(handles))
	for _, id := range append(existing, handles...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, id)
	}
	sort.Strings(merged)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode job ids: %w", err)
	}
	if err := l.store.Put(ctx, l.uri, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write job ids to %s: %w", l.uri, err)
	}
	return nil
}

// LoadAll returns every recorded handle. A missing ledger object reads as
// empty.
func (l *Ledger) LoadAll(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

func (l *Ledger) load(ctx context.Context) ([]string, error) {
	data, err := l.store.Get(ctx, l.uri)
	if err != nil {
		if errors.Is(err, cloudstorage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job ids from %s: %w", l.uri, err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode job ids from %s: %w", l.uri, err)
	}
	return ids, nil
}
