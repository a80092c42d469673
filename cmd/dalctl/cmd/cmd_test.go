package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards output written by background watchers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := NewRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// fsArgs prefixes args with flags opening a local backend on root
func fsArgs(root string, args ...string) []string {
	return append([]string{"--scheme", "fs", "--root", root, "--log-level", "error"}, args...)
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(ctx, "", fsArgs(root, "write", "docs/a.txt", src)...)
	if err != nil {
		t.Fatalf("write error = %v", err)
	}
	if !strings.Contains(out, "wrote docs/a.txt (11 bytes)") {
		t.Errorf("write output = %q", out)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"whole file", []string{"cat", "docs/a.txt"}, "hello world"},
		{"range", []string{"cat", "docs/a.txt", "--offset", "6", "--length", "3"}, "wor"},
		{"tail", []string{"cat", "docs/a.txt", "--offset", "6"}, "world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(ctx, "", fsArgs(root, tt.args...)...)
			if err != nil {
				t.Fatalf("cat error = %v", err)
			}
			if got != tt.want {
				t.Errorf("cat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteFromStdin(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	if _, err := execute(ctx, "first,", fsArgs(root, "write", "log.txt")...); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if _, err := execute(ctx, "second", fsArgs(root, "write", "--append", "log.txt", "-")...); err != nil {
		t.Fatalf("write --append error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "log.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "first,second" {
		t.Errorf("content = %q", data)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if _, err := execute(ctx, "12345", fsArgs(root, "write", "n.txt")...); err != nil {
		t.Fatalf("write error = %v", err)
	}

	out, err := execute(ctx, "", fsArgs(root, "stat", "n.txt", "--json")...)
	if err != nil {
		t.Fatalf("stat error = %v", err)
	}
	var v metadataView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("Unmarshal(%q) error = %v", out, err)
	}
	if v.Path != "n.txt" || v.Mode != "file" || v.Size != 5 {
		t.Errorf("stat = %+v", v)
	}

	out, err = execute(ctx, "", fsArgs(root, "stat", "n.txt")...)
	if err != nil {
		t.Fatalf("stat error = %v", err)
	}
	if !strings.Contains(out, "size:          5") {
		t.Errorf("stat output = %q", out)
	}

	if _, err := execute(ctx, "", fsArgs(root, "stat", "missing.txt")...); err == nil {
		t.Error("stat(missing) error = nil")
	}
}

func TestListCopyMoveRemove(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, p := range []string{"a/one.txt", "a/b/two.txt"} {
		if _, err := execute(ctx, "x", fsArgs(root, "write", p)...); err != nil {
			t.Fatalf("write(%s) error = %v", p, err)
		}
	}

	out, err := execute(ctx, "", fsArgs(root, "ls", "a/")...)
	if err != nil {
		t.Fatalf("ls error = %v", err)
	}
	if got := strings.Fields(out); len(got) != 2 || got[0] != "a/b/" || got[1] != "a/one.txt" {
		t.Errorf("ls = %q", got)
	}

	out, err = execute(ctx, "", fsArgs(root, "ls", "-r", "a/")...)
	if err != nil {
		t.Fatalf("ls -r error = %v", err)
	}
	if !strings.Contains(out, "a/b/two.txt") {
		t.Errorf("ls -r = %q", out)
	}

	if _, err := execute(ctx, "", fsArgs(root, "cp", "a/one.txt", "c/copy.txt")...); err != nil {
		t.Fatalf("cp error = %v", err)
	}
	if _, err := execute(ctx, "", fsArgs(root, "mv", "c/copy.txt", "c/moved.txt")...); err != nil {
		t.Fatalf("mv error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "c", "moved.txt")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "c", "copy.txt")); !os.IsNotExist(err) {
		t.Errorf("source of mv still exists: %v", err)
	}

	if _, err := execute(ctx, "", fsArgs(root, "rm", "-r", "a/")...); err != nil {
		t.Fatalf("rm -r error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Errorf("a/ still exists: %v", err)
	}
}

func TestMkdir(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(context.Background(), "", fsArgs(root, "mkdir", "empty")...); err != nil {
		t.Fatalf("mkdir error = %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "empty"))
	if err != nil || !info.IsDir() {
		t.Errorf("Stat(empty) = %v, %v", info, err)
	}
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if _, err := execute(ctx, "hello", fsArgs(root, "write", "h.txt")...); err != nil {
		t.Fatalf("write error = %v", err)
	}

	const sha = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	out, err := execute(ctx, "", fsArgs(root, "checksum", "h.txt")...)
	if err != nil {
		t.Fatalf("checksum error = %v", err)
	}
	if !strings.Contains(out, "sha256  "+sha) {
		t.Errorf("checksum = %q", out)
	}

	if _, err := execute(ctx, "", fsArgs(root, "checksum", "h.txt", "--verify", sha)...); err != nil {
		t.Errorf("checksum --verify error = %v", err)
	}
	if _, err := execute(ctx, "", fsArgs(root, "checksum", "h.txt", "--verify", "00")...); err == nil {
		t.Error("checksum --verify(wrong) error = nil")
	}
}

func TestReadOnly(t *testing.T) {
	root := t.TempDir()
	_, err := execute(context.Background(), "x", fsArgs(root, "--read-only", "write", "f.txt")...)
	if err == nil {
		t.Fatal("write --read-only error = nil")
	}
	if _, err := os.Stat(filepath.Join(root, "f.txt")); !os.IsNotExist(err) {
		t.Errorf("file written despite --read-only: %v", err)
	}
}

func TestPresignUnsupported(t *testing.T) {
	_, err := execute(context.Background(), "", fsArgs(t.TempDir(), "presign", "a.txt")...)
	if err == nil {
		t.Error("presign on a local backend error = nil")
	}
}

func TestConfigFile(t *testing.T) {
	root := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "dal.yaml")
	body := "scheme: fs\nroot: " + root + "\nlog_level: error\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(context.Background(), "cfg", "-c", cfg, "write", "from-config.txt"); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "from-config.txt")); err != nil {
		t.Errorf("file missing under configured root: %v", err)
	}
}

func TestUnknownScheme(t *testing.T) {
	if _, err := execute(context.Background(), "", "--scheme", "nope", "ls"); err == nil {
		t.Error("ls on unknown scheme error = nil")
	}
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cmd := NewRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs(fsArgs(root, "watch", "*.txt", "--interval", "20ms"))

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "changed") {
		os.WriteFile(filepath.Join(root, "w.txt"), []byte(time.Now().String()), 0o644)
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch error = %v", err)
	}
	if !strings.Contains(out.String(), "*.txt changed") {
		t.Errorf("watch output = %q", out.String())
	}
}

func TestSchemesAndVersion(t *testing.T) {
	out, err := execute(context.Background(), "", "schemes")
	if err != nil {
		t.Fatalf("schemes error = %v", err)
	}
	for _, s := range []string{"fs", "memory", "s3", "sqlite"} {
		if !strings.Contains(out, s+"\n") {
			t.Errorf("schemes output lacks %s: %q", s, out)
		}
	}

	out, err = execute(context.Background(), "", "version")
	if err != nil || !strings.HasPrefix(out, "dalctl dev") {
		t.Errorf("version = %q, %v", out, err)
	}
}
