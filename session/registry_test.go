package session

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"default", false},
		{"build-1.2_x", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{"a,b", true},
		{"a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errdefs.IsKind(err, errdefs.KindInvalidArgument) {
				t.Errorf("ValidateName(%q) kind = %v", tt.name, errdefs.KindOf(err))
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	r := NewRegistry(root, "")

	l1, err := r.Resolve("default")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	l2, err := r.Resolve("default")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(l1, l2) {
		t.Errorf("Resolve() not deterministic: %v != %v", l1, l2)
	}
	if l1.Lower != "/" {
		t.Errorf("Lower = %q, want /", l1.Lower)
	}
	for _, d := range []string{l1.Upper, l1.Work, l1.Merged} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", d, err)
		}
	}
	if l1.Upper == l1.Work || l1.Work == l1.Merged {
		t.Errorf("layout paths collide: %+v", l1)
	}
	other := r.Layout("other")
	if other.Upper == l1.Upper {
		t.Error("two sessions share an upper directory")
	}
}

func TestResolveInvalidName(t *testing.T) {
	r := NewRegistry(t.TempDir(), "/")
	if _, err := r.Resolve("a/b"); !errdefs.IsKind(err, errdefs.KindInvalidArgument) {
		t.Errorf("Resolve(a/b) error = %v, want invalid argument", err)
	}
}

func TestResolveSetupRequired(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(filepath.Join(f, "state"), "/")
	if _, err := r.Resolve("default"); !errdefs.IsKind(err, errdefs.KindSetupRequired) {
		t.Errorf("Resolve() under a file error = %v, want setup required", err)
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry(t.TempDir(), "/")
	if _, err := r.Lookup("missing"); !errdefs.IsKind(err, errdefs.KindSessionNotFound) {
		t.Errorf("Lookup(missing) error = %v, want session not found", err)
	}
	if _, err := r.Resolve("present"); err != nil {
		t.Fatal(err)
	}
	l, err := r.Lookup("present")
	if err != nil {
		t.Fatalf("Lookup(present) error = %v", err)
	}
	if l.Name != "present" {
		t.Errorf("Lookup() name = %q", l.Name)
	}
}

func TestEnumerate(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, "/")

	got, err := NewRegistry(filepath.Join(root, "absent"), "/").Enumerate()
	if err != nil || len(got) != 0 {
		t.Fatalf("Enumerate() on absent root = %v, %v", got, err)
	}

	for _, n := range []string{"b", "a", "c"} {
		if _, err := r.Resolve(n); err != nil {
			t.Fatal(err)
		}
	}
	// 普通文件不是会话
	if err := os.WriteFile(filepath.Join(root, "stray"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := r.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	var names []string
	for _, i := range infos {
		names = append(names, i.Name)
		if i.State != Inactive {
			t.Errorf("%s state = %v, want inactive", i.Name, i.State)
		}
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Enumerate() names = %v, want %v", names, want)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry(t.TempDir(), "/")
	l, err := r.Resolve("gone")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.Upper, "x"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(l); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(l.Dir); !os.IsNotExist(err) {
		t.Errorf("session dir still present: %v", err)
	}
	infos, err := r.Enumerate()
	if err != nil || len(infos) != 0 {
		t.Errorf("Enumerate() after Remove = %v, %v", infos, err)
	}
}

func TestIsMountPoint(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if m, err := IsMountPoint(sub, dir); err != nil || m {
		t.Errorf("IsMountPoint(plain dir) = %v, %v", m, err)
	}
	if m, err := IsMountPoint(filepath.Join(dir, "missing"), dir); err != nil || m {
		t.Errorf("IsMountPoint(missing) = %v, %v", m, err)
	}
	if m, err := IsMountPoint("/proc", "/"); err == nil && !m {
		t.Error("IsMountPoint(/proc) = false")
	}
}

func TestLayoutConfined(t *testing.T) {
	l := NewRegistry("/state", "/").Layout("s")
	if !l.Confined() {
		t.Error("Confined() = false for lower /")
	}
	if want := "/state/s/merged/state/s/merged"; l.Inner() != want {
		t.Errorf("Inner() = %q, want %q", l.Inner(), want)
	}
	if NewRegistry("/state", "/srv/app").Layout("s").Confined() {
		t.Error("Confined() = true for lower /srv/app")
	}
}
