package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wnxd/modhost"
	"github.com/wnxd/modhost/host"
	"github.com/wnxd/modhost/image"
	"github.com/wnxd/modhost/image/imagetest"
	"github.com/wnxd/modhost/internal/config"
	"github.com/wnxd/modhost/memory"
)

func TestScanReportsBadImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.so")
	if err := os.WriteFile(bad, []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	paths := []string{bad}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, exe)
	}
	results, err := scan(context.Background(), paths)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if results[0].err == nil {
		t.Errorf("scan(%s) succeeded", bad)
	}
	var out bytes.Buffer
	if err := printScan(&out, results); err != nil {
		t.Fatalf("printScan() error = %v", err)
	}
	if !strings.Contains(out.String(), "bad.so") || !strings.HasPrefix(out.String(), "PATH") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunMapsFolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.so")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	mem := memory.NewVirtual()
	loader := imagetest.NewLoader(mem)
	loader.Arch = image.ARCH_X86_64
	var calls []string
	loader.Add(path, &imagetest.Module{
		Preinitialize: func(uint64, string) uint32 { calls = append(calls, "pre"); return 0 },
		Initialize:    func(uint64, string) uint32 { calls = append(calls, "init"); return 0 },
	})
	rt, err := modhost.Attach(host.Options{Loader: loader, Memory: mem, Freezer: host.NopFreezer, Pattern: "*.so"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer rt.Close()

	cfg := config.DefaultConfig()
	cfg.Modules.Dir = dir
	logger, err := newLogger(&bytes.Buffer{}, "debug")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := run(ctx, rt, cfg, logger); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if strings.Join(calls, ",") != "pre,init" {
		t.Errorf("calls = %v, want [pre init]", calls)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "modhost dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestScanCmd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.so", "sub/b.so", "skip.txt"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"scan", "--dir", dir, "--pattern", "*.so", "--recursive", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "a.so") || !strings.Contains(got, filepath.Join("sub", "b.so")) || strings.Contains(got, "skip.txt") {
		t.Errorf("output = %q", got)
	}
}
