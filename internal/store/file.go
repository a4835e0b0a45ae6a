package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"misp-taxii-forwarder/internal/model"
	"misp-taxii-forwarder/internal/util"
)

// FileStore keeps the cursor as newline-delimited decimal ids, rewritten in
// full on every save.
type FileStore struct {
	path  string
	write func(path string, data []byte, perm os.FileMode) error
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, write: util.WriteFileAtomic}
}

func (f *FileStore) Load(_ context.Context) (*CursorSet, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := f.write(f.path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create cursor file %s: %w", f.path, err)
		}
		return NewCursorSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file %s: %w", f.path, err)
	}
	return parseIDs(f.path, b)
}

func parseIDs(path string, b []byte) (*CursorSet, error) {
	set := NewCursorSet()
	for i, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %q", ErrCursorCorrupt, path, i+1, line)
		}
		set.Add(model.EventID(id))
	}
	return set, nil
}

func (f *FileStore) Save(_ context.Context, set *CursorSet) error {
	var buf bytes.Buffer
	for _, id := range set.Sorted() {
		buf.WriteString(strconv.FormatInt(int64(id), 10))
		buf.WriteByte('\n')
	}
	if err := f.write(f.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save cursor file %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
