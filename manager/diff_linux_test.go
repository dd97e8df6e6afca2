package manager

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDiffLayers(t *testing.T) {
	lower, upper := t.TempDir(), t.TempDir()

	writeFile(t, filepath.Join(lower, "etc/same"), "unchanged")
	writeFile(t, filepath.Join(upper, "etc/same"), "unchanged")
	writeFile(t, filepath.Join(lower, "etc/edited"), "one")
	writeFile(t, filepath.Join(upper, "etc/edited"), "two")
	writeFile(t, filepath.Join(lower, "etc/grown"), "a")
	writeFile(t, filepath.Join(upper, "etc/grown"), "abc")
	writeFile(t, filepath.Join(upper, "etc/new"), "x")
	writeFile(t, filepath.Join(upper, "newdir/a/b"), "x")
	writeFile(t, filepath.Join(lower, "kind"), "file")
	if err := os.MkdirAll(filepath.Join(upper, "kind"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/target", filepath.Join(lower, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/other", filepath.Join(upper, "link")); err != nil {
		t.Fatal(err)
	}

	got, err := diffLayers(context.Background(), lower, upper, "")
	if err != nil {
		t.Fatalf("diffLayers() error = %v", err)
	}
	want := []Change{
		{"/etc/edited", Modified},
		{"/etc/grown", Modified},
		{"/etc/new", Added},
		{"/etc/same", MetadataOnly},
		{"/kind", Modified},
		{"/link", Modified},
		{"/newdir", Added},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diffLayers() =\n%v\nwant\n%v", got, want)
	}
}

func TestDiffWhiteoutAndOpaque(t *testing.T) {
	lower, upper := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(lower, "deleted"), "x")
	writeFile(t, filepath.Join(lower, "dir/hidden"), "x")
	if err := os.Mkdir(filepath.Join(upper, "dir"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := unix.Mknod(filepath.Join(upper, "deleted"), unix.S_IFCHR|0, 0); err != nil {
		t.Skipf("cannot create whiteout: %v", err)
	}
	if err := unix.Setxattr(filepath.Join(upper, "dir"), "trusted.overlay.opaque", []byte("y"), 0); err != nil {
		t.Skipf("cannot set opaque xattr: %v", err)
	}

	got, err := diffLayers(context.Background(), lower, upper, "")
	if err != nil {
		t.Fatalf("diffLayers() error = %v", err)
	}
	want := []Change{{"/deleted", Removed}, {"/dir", Opaque}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diffLayers() = %v, want %v", got, want)
	}
}

func TestDiffHidesInnerMountPoint(t *testing.T) {
	lower, upper := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(lower, "state"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(upper, "state", "s", "merged"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(upper, "state", "s", "note"), "x")
	writeFile(t, filepath.Join(upper, "added"), "y")

	got, err := diffLayers(context.Background(), lower, upper, "/state/s/merged")
	if err != nil {
		t.Fatalf("diffLayers() error = %v", err)
	}
	want := []Change{
		{Path: "/added", Kind: Added},
		{Path: "/state/s/note", Kind: Added},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diffLayers() = %v, want %v", got, want)
	}
}

func TestDiffCancelled(t *testing.T) {
	lower, upper := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(upper, "a"), "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := diffLayers(ctx, lower, upper, ""); err == nil {
		t.Error("diffLayers() with cancelled context succeeded")
	}
}

func TestChangeKindString(t *testing.T) {
	if Removed.String() != "removed" || ChangeKind(42).String() != "unknown" {
		t.Errorf("unexpected ChangeKind strings")
	}
}
