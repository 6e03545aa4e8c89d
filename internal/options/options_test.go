package options

import "testing"

func TestDefaults(t *testing.T) {
	r := New()

	if v, ok := r.GetInt(KeyRecursionDepth); !ok || v != DefaultRecursionDepth {
		t.Errorf("KeyRecursionDepth = %d, %v; want %d, true", v, ok, DefaultRecursionDepth)
	}
	if v, ok := r.GetInt(KeyMaxUnpackSize); !ok || v != DefaultMaxUnpackSize {
		t.Errorf("KeyMaxUnpackSize = %d, %v; want %d, true", v, ok, DefaultMaxUnpackSize)
	}
	if r.IsSet(KeyRecursive) {
		t.Error("KeyRecursive should not be set by default")
	}
}

func TestSetGetRoundtrip(t *testing.T) {
	r := New()

	r.SetBool(KeyRecursive, true)
	if !r.GetBool(KeyRecursive) {
		t.Error("expected KeyRecursive to be true")
	}
	if !r.IsSet(KeyRecursive) {
		t.Error("expected KeyRecursive to be marked set")
	}

	r.SetString(KeySource, "/srv/media")
	v, ok := r.GetString(KeySource)
	if !ok || v != "/srv/media" {
		t.Errorf("KeySource = %q, %v; want /srv/media, true", v, ok)
	}

	r.SetInt(KeySeekLength, 1024)
	n, ok := r.GetInt(KeySeekLength)
	if !ok || n != 1024 {
		t.Errorf("KeySeekLength = %d, %v; want 1024, true", n, ok)
	}
}

func TestFuseOpts(t *testing.T) {
	r := New()
	r.AddFuseOpt("max_readahead=131072")
	r.AddFuseOpt("max_background=16")

	got := r.FuseOpts()
	want := []string{"max_readahead=131072", "max_background=16"}
	if len(got) != len(want) {
		t.Fatalf("FuseOpts() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FuseOpts()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Caller-owned slice must not alias internal storage.
	got[0] = "tampered"
	if r.FuseOpts()[0] != "max_readahead=131072" {
		t.Error("FuseOpts() leaked internal storage")
	}
}
