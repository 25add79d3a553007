package engine

import (
	"encoding/json"
	"testing"
)

func TestStateSetPreservesInsertionOrder(t *testing.T) {
	s := NewState()
	s.Set("b", 1)
	s.Set("a", 2)
	s.Set("c", 3)
	s.Set("a", 4) // overwrite keeps original position

	keys := s.Keys()
	want := []string{"b", "a", "c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}
	if v, _ := s.Get("a"); v != 4 {
		t.Errorf("expected overwritten value 4, got %v", v)
	}
}

func TestStateFromSortsKeys(t *testing.T) {
	s := StateFrom(map[string]any{"z": 1, "a": 2, "m": 3})
	keys := s.Keys()
	want := []string{"a", "m", "z"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState()
	s.Set("k", "original")
	s.SetMeta("run", "r1")

	c := s.Clone()
	c.Set("k", "changed")
	c.Set("extra", true)
	c.SetMeta("run", "r2")

	if v := s.GetString("k"); v != "original" {
		t.Errorf("clone write leaked into source: %q", v)
	}
	if s.Has("extra") {
		t.Error("clone key leaked into source")
	}
	if v := s.MetaString("run"); v != "r1" {
		t.Errorf("clone meta leaked into source: %q", v)
	}
}

func TestStateMerge(t *testing.T) {
	a := NewState()
	a.Set("x", 1)
	a.Set("y", 1)

	b := NewState()
	b.Set("y", 2)
	b.Set("z", 2)

	a.Merge(b)
	if v, _ := a.Get("y"); v != 2 {
		t.Errorf("merge should overwrite, got y=%v", v)
	}
	keys := a.Keys()
	want := []string{"x", "y", "z"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys after merge = %v, want %v", keys, want)
		}
	}
}

func TestStateJSONRoundTrip(t *testing.T) {
	s := NewState()
	s.Set("beta", "two")
	s.Set("alpha", "one")
	s.SetMeta(MetaRunID, "run-1")

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	restored := NewState()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// 反序列化后键序必须与快照一致
	keys := restored.Keys()
	if len(keys) != 2 || keys[0] != "beta" || keys[1] != "alpha" {
		t.Errorf("key order lost in round trip: %v", keys)
	}
	if restored.GetString("alpha") != "one" {
		t.Errorf("value lost in round trip")
	}
	if restored.MetaString(MetaRunID) != "run-1" {
		t.Errorf("metadata lost in round trip")
	}
}
