package store

import (
	"sort"

	"misp-taxii-forwarder/internal/model"
)

// CursorSet is the set of event ids already forwarded. It is owned by a
// single poll cycle at a time and is not safe for concurrent use.
type CursorSet struct {
	ids map[model.EventID]struct{}
	max model.EventID
}

func NewCursorSet(ids ...model.EventID) *CursorSet {
	s := &CursorSet{ids: make(map[model.EventID]struct{}, len(ids))}
	s.Add(ids...)
	return s
}

func (s *CursorSet) Contains(id model.EventID) bool {
	_, ok := s.ids[id]
	return ok
}

// Add inserts ids and returns how many were not already present.
func (s *CursorSet) Add(ids ...model.EventID) int {
	added := 0
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			continue
		}
		if len(s.ids) == 0 || id > s.max {
			s.max = id
		}
		s.ids[id] = struct{}{}
		added++
	}
	return added
}

func (s *CursorSet) Len() int { return len(s.ids) }

// Watermark is the highest id in the set; ok is false when the set is empty.
func (s *CursorSet) Watermark() (id model.EventID, ok bool) {
	if len(s.ids) == 0 {
		return 0, false
	}
	return s.max, true
}

// Sorted returns the ids in ascending order.
func (s *CursorSet) Sorted() []model.EventID {
	out := make([]model.EventID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *CursorSet) Clone() *CursorSet {
	return NewCursorSet(s.Sorted()...)
}
