package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"

	"misp-taxii-forwarder/internal/model"
)

var (
	cursorLower = []byte("cursor/")
	cursorUpper = []byte("cursor/~")
)

// PebbleStore keeps one key per forwarded event. Save rewrites the whole
// key range in a single synced batch, so a crash leaves either the old or
// the new set.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		if errors.Is(err, pebble.ErrCorruption) {
			return nil, fmt.Errorf("%w: open pebble %s: %v", ErrCursorCorrupt, dir, err)
		}
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func cursorKey(id model.EventID) []byte {
	return []byte(fmt.Sprintf("cursor/%020d", int64(id)))
}

func (p *PebbleStore) Load(_ context.Context) (*CursorSet, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: cursorLower, UpperBound: cursorUpper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	set := NewCursorSet()
	for iter.First(); iter.Valid(); iter.Next() {
		raw := string(iter.Value())
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q holds %q", ErrCursorCorrupt, iter.Key(), raw)
		}
		set.Add(model.EventID(id))
	}
	if err := iter.Error(); err != nil {
		if errors.Is(err, pebble.ErrCorruption) {
			return nil, fmt.Errorf("%w: %v", ErrCursorCorrupt, err)
		}
		return nil, err
	}
	return set, nil
}

func (p *PebbleStore) Save(_ context.Context, set *CursorSet) error {
	b := p.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(cursorLower, cursorUpper, nil); err != nil {
		return err
	}
	for _, id := range set.Sorted() {
		if err := b.Set(cursorKey(id), []byte(strconv.FormatInt(int64(id), 10)), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit cursor batch: %w", err)
	}
	return nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }
