package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("loadWithOptions() error = %v", err)
	}
	if path != "" {
		t.Errorf("resolved path = %q, want none", path)
	}
	if want := DefaultConfig(); *cfg != *want {
		t.Errorf("config = %+v, want %+v", cfg, want)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "modhost.yaml")
	content := "modules:\n  dir: plugins\n  recursive: true\n  debounce: 2s\nlog:\n  level: debug\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: file})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Modules.Dir != "plugins" || !cfg.Modules.Recursive || cfg.Modules.Debounce != 2*time.Second || cfg.Log.Level != "debug" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Modules.Pattern != DefaultConfig().Modules.Pattern {
		t.Errorf("pattern = %q, want default", cfg.Modules.Pattern)
	}
}

func TestLoadFlagOverridesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "modhost.toml"), []byte("[modules]\ndir = \"from-file\"\nwatch = true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("dir", "mods", "")
	flags.Bool("watch", false, "")
	if err := flags.Parse([]string{"--dir", "from-flag"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{
		ConfigDirPath: dir,
		Flags: map[string]*pflag.Flag{
			"modules.dir":   flags.Lookup("dir"),
			"modules.watch": flags.Lookup("watch"),
		},
	})
	if err != nil {
		t.Fatalf("loadWithOptions() error = %v", err)
	}
	if filepath.Base(path) != "modhost.toml" {
		t.Errorf("resolved path = %q", path)
	}
	if cfg.Modules.Dir != "from-flag" || !cfg.Modules.Watch {
		t.Errorf("config = %+v, want dir from flag and watch from file", cfg.Modules)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("modules:\n  pattern: \"[*.so\"\nlog:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		opts LoadOptions
		want error
	}{
		{name: "canceled", ctx: canceled, opts: LoadOptions{ConfigDirPath: dir}, want: context.Canceled},
		{name: "blank path", ctx: context.Background(), opts: LoadOptions{ConfigFilePath: "  "}, want: ErrInvalidLoadOptions},
		{name: "invalid values", ctx: context.Background(), opts: LoadOptions{ConfigFilePath: bad}, want: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(tt.ctx, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}

	_, err := Load(context.Background(), LoadOptions{ConfigFilePath: bad})
	var cfgErr *InvalidConfigError
	if !errors.As(err, &cfgErr) || len(cfgErr.FieldErrors) != 2 {
		t.Errorf("error = %v, want two field errors", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(context.Background(), LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("Load(missing file) succeeded")
	}
}
