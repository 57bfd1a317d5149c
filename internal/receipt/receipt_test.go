package receipt

import (
	"os"
	"strings"
	"testing"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	r := Receipt{Name: "single", File: "single.bin", Size: 4, SHA256: "aa", Source: "https://example.invalid/single.bin"}
	if err := s.Save("single", r); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !s.Exists("single") {
		t.Fatal("expected receipt to exist after save")
	}
	got, ok, err := s.Load("single")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestStore_LoadMissingIsNotAnError(t *testing.T) {
	s := NewStore(t.TempDir())
	_, ok, err := s.Load("nope")
	if err != nil {
		t.Fatalf("expected no error for missing receipt, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing receipt")
	}
}

func TestStore_DeleteThenLoadMissing(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Save("pkg", Receipt{Name: "pkg", File: "f", Size: 1, SHA256: "x"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Delete("pkg"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if s.Exists("pkg") {
		t.Fatal("expected receipt to be gone after delete")
	}
}

func TestReceipt_OmitsUndeclaredDigests(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Save("legacy", Receipt{Name: "legacy", File: "f", Size: 1, SHA256: "x"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(s.path("legacy"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if strings.Contains(string(data), "sha1") || strings.Contains(string(data), "md5") {
		t.Fatalf("expected sha1/md5 to be omitted, got: %s", data)
	}
}
