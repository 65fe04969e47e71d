package workspace

import (
	"path/filepath"
	"testing"
)

func TestMutator_WriteThenRead(t *testing.T) {
	m := New(t.TempDir())

	if err := m.Write("a.txt", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	got, err := m.Read("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want hi", got)
	}
}

func TestMutator_WriteCreatesParentDirs(t *testing.T) {
	m := New(t.TempDir())

	if err := m.Write("nested/dir/b.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !m.Exists("nested/dir/b.txt") {
		t.Fatal("expected file to exist")
	}
}

func TestMutator_RejectsPathEscape(t *testing.T) {
	m := New(t.TempDir())

	if _, err := m.Read("../../etc/passwd"); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
	if err := m.Write("../escape.txt", []byte("x")); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
}

func TestMutator_RemoveIsIdempotent(t *testing.T) {
	m := New(t.TempDir())

	if err := m.Write("c.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("c.txt"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("c.txt"); err != nil {
		t.Fatalf("second remove should be a no-op, got: %v", err)
	}
	if m.Exists("c.txt") {
		t.Fatal("expected file to be gone")
	}
}

func TestMutator_RootJoin(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	if m.Root != root {
		t.Fatalf("Root = %q, want %q", m.Root, root)
	}
	full, err := m.resolve("sub/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if full != filepath.Join(root, "sub/file.txt") {
		t.Fatalf("resolve() = %q", full)
	}
}
