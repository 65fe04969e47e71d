package workspace

import "testing"

func TestMutator_SearchFindsMatchesAcrossFiles(t *testing.T) {
	m := New(t.TempDir())
	if err := m.Write("a.txt", []byte("hello world\nfoo\n")); err != nil {
		t.Fatal(err)
	}
	if err := m.Write("nested/b.txt", []byte("another world line\n")); err != nil {
		t.Fatal(err)
	}

	matches, err := m.Search("", "world")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(matches), matches)
	}
}

func TestMutator_SearchRequiresQuery(t *testing.T) {
	m := New(t.TempDir())
	if _, err := m.Search("", ""); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestMutator_SearchScopedToSubpath(t *testing.T) {
	m := New(t.TempDir())
	if err := m.Write("a.txt", []byte("needle\n")); err != nil {
		t.Fatal(err)
	}
	if err := m.Write("sub/b.txt", []byte("needle\n")); err != nil {
		t.Fatal(err)
	}

	matches, err := m.Search("sub", "needle")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Path != "sub/b.txt" {
		t.Fatalf("got %+v", matches)
	}
}
