package store

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misp-taxii-forwarder/internal/model"
)

func TestPebbleStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := OpenPebble(dir)
	require.NoError(t, err)

	set, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())

	require.NoError(t, p.Save(ctx, NewCursorSet(5, 1, 30)))
	require.NoError(t, p.Save(ctx, NewCursorSet(1, 30)))
	require.NoError(t, p.Close())

	p, err = OpenPebble(dir)
	require.NoError(t, err)
	defer p.Close()

	set, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.EventID{1, 30}, set.Sorted(), "save replaces the whole set")
}

func TestPebbleStore_GarbageValueIsCorrupt(t *testing.T) {
	p, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.db.Set([]byte("cursor/00000000000000000001"), []byte("xyz"), pebble.Sync))

	_, err = p.Load(context.Background())
	assert.ErrorIs(t, err, ErrCursorCorrupt)
}
