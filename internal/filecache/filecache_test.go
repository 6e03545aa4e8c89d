package filecache

import "testing"

func TestAllocGet(t *testing.T) {
	tab := New()

	e := tab.Alloc("/movies/Film.rar/Film.mkv")
	e.MemberName = "Film.mkv"
	e.AddFlags(FlagRaw)

	got, ok := tab.Get("/movies/Film.rar/Film.mkv")
	if !ok {
		t.Fatal("expected entry to be present after Alloc")
	}
	if got != e {
		t.Fatal("Get returned a different pointer than Alloc produced")
	}
	if !got.Flags().Has(FlagRaw) {
		t.Error("expected FlagRaw to be set")
	}
}

func TestGetMiss(t *testing.T) {
	tab := New()
	if _, ok := tab.Get("/nope"); ok {
		t.Error("expected miss for unknown path")
	}
}

func TestInvalidate(t *testing.T) {
	tab := New()
	tab.Alloc("/a/b.rar/c.txt")
	tab.Invalidate("/a/b.rar/c.txt")
	if _, ok := tab.Get("/a/b.rar/c.txt"); ok {
		t.Error("expected path to be gone after Invalidate")
	}
}

func TestInvalidateSubtree(t *testing.T) {
	tab := New()
	tab.Alloc("/src/a.rar")
	tab.Alloc("/src/a.rar/one.txt")
	tab.Alloc("/src/a.rar/nested/two.txt")
	tab.Alloc("/src/other.rar")

	tab.InvalidateSubtree("/src/a.rar")

	if _, ok := tab.Get("/src/a.rar"); ok {
		t.Error("expected the prefix path itself to be invalidated")
	}
	if _, ok := tab.Get("/src/a.rar/one.txt"); ok {
		t.Error("expected /src/a.rar/one.txt to be invalidated")
	}
	if _, ok := tab.Get("/src/a.rar/nested/two.txt"); ok {
		t.Error("expected nested descendant to be invalidated")
	}
	if _, ok := tab.Get("/src/other.rar"); !ok {
		t.Error("sibling path should survive InvalidateSubtree")
	}
}

func TestLocalFSAndLoopFSAreDistinctSentinels(t *testing.T) {
	if LocalFS == LoopFS {
		t.Fatal("LocalFS and LoopFS must be distinct")
	}
	tab := New()
	tab.Put("/passthrough/readme.txt", LocalFS)
	tab.Put("/circular/loop.rar", LoopFS)

	got, ok := tab.Get("/passthrough/readme.txt")
	if !ok || got != LocalFS {
		t.Error("expected LocalFS sentinel to round-trip through Put/Get")
	}
	got, ok = tab.Get("/circular/loop.rar")
	if !ok || got != LoopFS {
		t.Error("expected LoopFS sentinel to round-trip through Put/Get")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := &Entry{ArchivePath: "/a.rar", MemberName: "x"}
	c := e.Clone()
	c.MemberName = "y"
	if e.MemberName == c.MemberName {
		t.Error("Clone should not alias the source entry")
	}
}

func TestCopyInto(t *testing.T) {
	src := &Entry{ArchivePath: "/a.rar", MemberName: "x"}
	src.AddFlags(FlagRaw)
	dst := &Entry{}
	CopyInto(dst, src)
	if dst.ArchivePath != src.ArchivePath || dst.MemberName != src.MemberName || dst.Flags() != src.Flags() {
		t.Error("CopyInto did not copy all fields")
	}
	dst.MemberName = "changed"
	if src.MemberName == dst.MemberName {
		t.Error("CopyInto must not alias src and dst")
	}
}

func TestAddFlagsAndClearFlagsLeaveOtherBitsAlone(t *testing.T) {
	e := &Entry{}
	e.AddFlags(FlagRaw)
	e.AddFlags(FlagEncrypted)
	if !e.Flags().Has(FlagRaw | FlagEncrypted) {
		t.Fatal("expected both flags to be set")
	}
	e.ClearFlags(FlagEncrypted)
	if e.Flags().Has(FlagEncrypted) {
		t.Error("expected FlagEncrypted to be cleared")
	}
	if !e.Flags().Has(FlagRaw) {
		t.Error("ClearFlags must not disturb unrelated bits")
	}
}

func TestNewSizedRoundsToPowerOfTwo(t *testing.T) {
	tab := NewSized(100)
	if len(tab.buckets) != 128 {
		t.Errorf("NewSized(100) produced %d buckets, want 128", len(tab.buckets))
	}
}

func TestLen(t *testing.T) {
	tab := New()
	if tab.Len() != 0 {
		t.Fatalf("Len() = %d on empty table, want 0", tab.Len())
	}
	tab.Alloc("/a")
	tab.Alloc("/b")
	if tab.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tab.Len())
	}
	tab.Invalidate("/a")
	if tab.Len() != 1 {
		t.Errorf("Len() = %d after Invalidate, want 1", tab.Len())
	}
}
