package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zqzqsb/forkfs/pkg/errdefs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "forkfs.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.LowerDir != "/" || cfg.DefaultSession != "default" || cfg.StayRoot {
		t.Errorf("Default() = %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("FORKFS_TEST_ROOT", "/srv/forkfs")
	tests := []struct {
		name    string
		content string
		check   func(*testing.T, *Config)
		wantErr bool
	}{
		{
			name:    "empty file keeps defaults",
			content: "",
			check: func(t *testing.T, c *Config) {
				if !reflect.DeepEqual(c, Default()) {
					t.Errorf("got %+v, want defaults", c)
				}
			},
		},
		{
			name: "override fields",
			content: `state_dir: /var/lib/forkfs
binds: [/proc, /dev]
stay_root: true
default_session: work
`,
			check: func(t *testing.T, c *Config) {
				if c.StateDir != "/var/lib/forkfs" || !c.StayRoot || c.DefaultSession != "work" {
					t.Errorf("got %+v", c)
				}
				if !reflect.DeepEqual(c.Binds, []string{"/proc", "/dev"}) {
					t.Errorf("Binds = %v", c.Binds)
				}
			},
		},
		{
			name:    "expand variables",
			content: "state_dir: ${FORKFS_TEST_ROOT}/state\nlower_dir: ${FORKFS_TEST_UNSET:-/}\n",
			check: func(t *testing.T, c *Config) {
				if c.StateDir != "/srv/forkfs/state" || c.LowerDir != "/" {
					t.Errorf("got state_dir %q lower_dir %q", c.StateDir, c.LowerDir)
				}
			},
		},
		{
			name:    "unknown field",
			content: "statedir: /tmp\n",
			wantErr: true,
		},
		{
			name:    "relative state dir",
			content: "state_dir: state\n",
			wantErr: true,
		},
		{
			name:    "bad default session",
			content: "default_session: a/b\n",
			wantErr: true,
		},
		{
			name:    "state dir equals lower dir",
			content: "state_dir: /\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errdefs.IsKind(err, errdefs.KindSetupRequired) {
					t.Errorf("LoadFile() error kind = %v, want setup required", errdefs.KindOf(err))
				}
				return
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	if err != nil || !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}

	p := writeConfig(t, "default_session: fromenv\n")
	t.Setenv(EnvConfig, p)
	cfg, err = Load("")
	if err != nil || cfg.DefaultSession != "fromenv" {
		t.Fatalf("Load() with %s = %+v, %v", EnvConfig, cfg, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded")
	}
}
