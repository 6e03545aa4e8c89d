package volume

import "testing"

func TestDetectNewStyle(t *testing.T) {
	info, ok := Detect("Movie.part002.rar")
	if !ok {
		t.Fatal("expected a match")
	}
	if info.Scheme != NewStyle || info.Base != "Movie" || info.Index != 2 || info.Width != 3 {
		t.Errorf("got %+v", info)
	}
}

func TestDetectOldStyleFirst(t *testing.T) {
	info, ok := Detect("Movie.rar")
	if !ok || info.Scheme != OldStyle || info.Index != 0 {
		t.Errorf("got %+v, %v", info, ok)
	}
}

func TestDetectOldStyleContinuation(t *testing.T) {
	info, ok := Detect("Movie.r00")
	if !ok || info.Scheme != OldStyle || info.Index != 1 {
		t.Errorf("got %+v, %v", info, ok)
	}
}

func TestDetectNonVolume(t *testing.T) {
	if _, ok := Detect("readme.txt"); ok {
		t.Error("expected no match for a non-RAR file")
	}
}

func TestVolumePathNewStyle(t *testing.T) {
	info, _ := Detect("Movie.part02.rar")
	if got := info.VolumePath(0); got != "Movie.part01.rar" {
		t.Errorf("VolumePath(0) = %q, want Movie.part01.rar", got)
	}
	if got := info.VolumePath(2); got != "Movie.part03.rar" {
		t.Errorf("VolumePath(2) = %q, want Movie.part03.rar", got)
	}
}

func TestVolumePathOldStyle(t *testing.T) {
	info, _ := Detect("Movie.rar")
	if got := info.VolumePath(0); got != "Movie.rar" {
		t.Errorf("VolumePath(0) = %q, want Movie.rar", got)
	}
	if got := info.VolumePath(1); got != "Movie.r00" {
		t.Errorf("VolumePath(1) = %q, want Movie.r00", got)
	}
}

func TestIsFirstVolume(t *testing.T) {
	if !IsFirstVolume("Movie.rar") {
		t.Error("Movie.rar should be the first volume")
	}
	if IsFirstVolume("Movie.r00") {
		t.Error("Movie.r00 should not be the first volume")
	}
	if !IsFirstVolume("Movie.part001.rar") {
		t.Error("Movie.part001.rar should be the first volume")
	}
	if IsFirstVolume("Movie.part002.rar") {
		t.Error("Movie.part002.rar should not be the first volume")
	}
}

func TestEnumerate(t *testing.T) {
	exists := map[string]bool{
		"Movie.part01.rar": true,
		"Movie.part02.rar": true,
		"Movie.part03.rar": true,
	}
	got, err := Enumerate("Movie.part01.rar", func(name string) bool { return exists[name] })
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	want := []string{"Movie.part01.rar", "Movie.part02.rar", "Movie.part03.rar"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnumerateRejectsNonFirstVolume(t *testing.T) {
	_, err := Enumerate("Movie.part02.rar", func(string) bool { return true })
	if err == nil {
		t.Error("expected an error when starting from a non-first volume")
	}
}

func TestEnumerateCapsAtMaxVolumes(t *testing.T) {
	_, err := Enumerate("Big.part0001.rar", func(string) bool { return true })
	if err == nil {
		t.Error("expected an error when a volume set exceeds the iteration cap")
	}
}

func TestTrimRarSuffix(t *testing.T) {
	if got := TrimRarSuffix("Movie.RAR"); got != "Movie" {
		t.Errorf("TrimRarSuffix(Movie.RAR) = %q, want Movie", got)
	}
	if got := TrimRarSuffix("Movie"); got != "Movie" {
		t.Errorf("TrimRarSuffix(Movie) = %q, want Movie", got)
	}
}
