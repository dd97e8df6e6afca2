package mount

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuilderOverlay(t *testing.T) {
	tests := []struct {
		name    string
		lower   string
		upper   string
		wantErr bool
	}{
		{"ok", "/", "/s/upper", false},
		{"comma in upper", "/", "/s/up,per", true},
		{"colon in lower", "/a:b", "/s/upper", true},
		{"relative upper", "/", "s/upper", true},
		{"newline", "/", "/s/up\nper", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := NewBuilder().WithOverlay(tt.lower, tt.upper, "/s/work", "/s/merged").Build()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(ms) != 1 || !ms[0].IsOverlay() {
				t.Fatalf("Build() = %v", ms)
			}
			want := "lowerdir=" + tt.lower + ",upperdir=" + tt.upper + ",workdir=/s/work"
			if ms[0].Data != want {
				t.Errorf("Data = %q, want %q", ms[0].Data, want)
			}
		})
	}
}

func TestBuilderBinds(t *testing.T) {
	ms, err := NewBuilder().
		WithOverlay("/", "/s/upper", "/s/work", "/s/merged").
		WithBinds("/s/merged", []string{"/proc", "/definitely/not/here"}).
		FilterNotExist().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("Build() = %v, want overlay + one bind", ms)
	}
	b := ms[1]
	if !b.IsBindMount() || b.Source != "/proc" || b.Target != "/s/merged/proc" {
		t.Errorf("bind = %+v", b)
	}
	if b.Flags&unix.MS_REC == 0 {
		t.Error("bind is not recursive")
	}
	if b.Propagation != unix.MS_SLAVE|unix.MS_REC {
		t.Errorf("propagation = %x", b.Propagation)
	}
	if b.IsReadOnly() {
		t.Error("bind is read only")
	}
}

func TestMountString(t *testing.T) {
	tests := []struct {
		name string
		m    Mount
		want string
	}{
		{"bind ro", Mount{Source: "/a", Target: "/b", Flags: unix.MS_BIND | unix.MS_RDONLY}, "bind[/a:/b:ro]"},
		{"overlay", Mount{Target: "/m", FsType: "overlay", Data: "lowerdir=/"}, "overlay[/m:lowerdir=/]"},
		{"other", Mount{Source: "tmpfs", Target: "/t", FsType: "tmpfs"}, "mount[tmpfs,tmpfs:/t:0,]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}

	b := NewBuilder().WithBind("/x", "/y", true)
	if s := b.String(); !strings.HasPrefix(s, "Mounts: bind[/x:/y:ro]") {
		t.Errorf("Builder.String() = %q", s)
	}
}
