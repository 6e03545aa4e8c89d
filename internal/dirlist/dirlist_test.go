package dirlist

import "testing"

func TestAddCloseOrdersByName(t *testing.T) {
	l := NewList()
	l.Add("banana", Regular, 10, false)
	l.Add("apple", Regular, 5, false)
	l.Add("cherry", Directory, 0, false)
	l.Close()

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []string{"apple", "banana", "cherry"}
	for i, w := range want {
		if entries[i].Name != w {
			t.Errorf("entries[%d].Name = %q, want %q", i, entries[i].Name, w)
		}
	}
}

func TestClosePrefersPassthroughOnCollision(t *testing.T) {
	l := NewList()
	l.Add("movie.mkv", Regular, 100, false) // archive member
	l.Add("movie.mkv", Regular, 100, true)  // passthrough, same name
	l.Close()

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries after dedup, want 1", len(entries))
	}
	if !entries[0].Passthrough {
		t.Error("expected the passthrough entry to win the collision")
	}
}

func TestEntriesBeforeCloseIsNil(t *testing.T) {
	l := NewList()
	l.Add("x", Regular, 0, false)
	if e := l.Entries(); e != nil {
		t.Errorf("Entries() before Close = %v, want nil", e)
	}
}

func TestAddAfterClosePanics(t *testing.T) {
	l := NewList()
	l.Close()
	defer func() {
		if recover() == nil {
			t.Error("expected Add after Close to panic")
		}
	}()
	l.Add("x", Regular, 0, false)
}

func TestDuplicateIsIndependent(t *testing.T) {
	l := NewList()
	l.Add("a", Regular, 0, false)
	dup := l.Duplicate()
	dup.Add("b", Regular, 0, false)

	if l.Len() != 1 {
		t.Errorf("original Len() = %d, want 1 (Duplicate must not alias)", l.Len())
	}
	if dup.Len() != 2 {
		t.Errorf("duplicate Len() = %d, want 2", dup.Len())
	}
}

func TestAppend(t *testing.T) {
	a := NewList()
	a.Add("a", Regular, 0, false)
	b := NewList()
	b.Add("b", Regular, 0, false)

	a.Append(b)
	if a.Len() != 2 {
		t.Fatalf("Len() = %d after Append, want 2", a.Len())
	}
}
