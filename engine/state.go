package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Reserved metadata keys written by the executor at run start.
const (
	MetaRunID     = "run_id"
	MetaTopology  = "topology"
	MetaStartedAt = "started_at"
)

// State 是贯穿所有节点的执行状态容器。
// 键值按首次写入顺序排列；metadata 子表由执行器保留使用。
//
// A State is owned exclusively by the executor for the duration of one run.
// Parallel branches never share a State by reference: each branch operates on
// an independent Clone, merged back only through an Aggregator.
type State struct {
	keys   []string
	values map[string]any
	meta   map[string]any
}

// NewState creates an empty execution state.
func NewState() *State {
	return &State{
		values: make(map[string]any),
		meta:   make(map[string]any),
	}
}

// StateFrom creates a state from a plain map. Keys are inserted in sorted
// order so that two calls with the same map produce the same key order.
func StateFrom(m map[string]any) *State {
	s := NewState()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Set(k, m[k])
	}
	return s
}

// Set writes a key. The key keeps its original position when overwritten.
func (s *State) Set(key string, value any) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get reads a key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetString reads a key as a string, returning "" when absent or mistyped.
func (s *State) GetString(key string) string {
	if v, ok := s.values[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Has reports whether a key is present.
func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (s *State) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of payload keys.
func (s *State) Len() int {
	return len(s.keys)
}

// SetMeta writes a metadata entry.
func (s *State) SetMeta(key string, value any) {
	s.meta[key] = value
}

// Meta reads a metadata entry.
func (s *State) Meta(key string) (any, bool) {
	v, ok := s.meta[key]
	return v, ok
}

// MetaString reads a metadata entry as a string.
func (s *State) MetaString(key string) string {
	if v, ok := s.meta[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Clone returns an independent copy of the state. Values are copied
// shallowly: agents exchange ownership of values through the state and must
// not mutate a value after writing it.
func (s *State) Clone() *State {
	c := &State{
		keys:   make([]string, len(s.keys)),
		values: make(map[string]any, len(s.values)),
		meta:   make(map[string]any, len(s.meta)),
	}
	copy(c.keys, s.keys)
	for k, v := range s.values {
		c.values[k] = v
	}
	for k, v := range s.meta {
		c.meta[k] = v
	}
	return c
}

// Merge overwrites this state with the entries of other, appending keys new
// to this state in other's insertion order. Metadata entries are merged the
// same way. Returns the receiver.
func (s *State) Merge(other *State) *State {
	if other == nil {
		return s
	}
	for _, k := range other.keys {
		s.Set(k, other.values[k])
	}
	for k, v := range other.meta {
		s.meta[k] = v
	}
	return s
}

// stateDoc is the self-describing serialized layout of a State. Keeping the
// key order explicit lets a snapshot survive a process restart unchanged.
type stateDoc struct {
	Keys     []string       `json:"keys"`
	Values   map[string]any `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateDoc{
		Keys:     s.keys,
		Values:   s.values,
		Metadata: s.meta,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode state document: %w", err)
	}
	s.keys = doc.Keys
	s.values = doc.Values
	s.meta = doc.Metadata
	if s.keys == nil {
		s.keys = []string{}
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	if s.meta == nil {
		s.meta = make(map[string]any)
	}
	// Repair key index if the document lists fewer keys than values.
	for k := range s.values {
		found := false
		for _, known := range s.keys {
			if known == k {
				found = true
				break
			}
		}
		if !found {
			s.keys = append(s.keys, k)
		}
	}
	return nil
}

// stampRunMeta writes the reserved run metadata.
func (s *State) stampRunMeta(runID, topology string, startedAt time.Time) {
	s.meta[MetaRunID] = runID
	s.meta[MetaTopology] = topology
	s.meta[MetaStartedAt] = startedAt.UTC().Format(time.RFC3339Nano)
}
