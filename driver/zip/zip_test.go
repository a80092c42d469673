package zip

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/daltest"
)

// buildZip creates an archive holding files, with explicit directory
// members when dirs is set.
func buildZip(t *testing.T, files map[string]string, dirs bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	if dirs {
		seen := make(map[string]bool)
		for name := range files {
			for dir := filepath.Dir(name); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
				if seen[dir] {
					continue
				}
				seen[dir] = true
				header := &zip.FileHeader{Name: filepath.ToSlash(dir) + "/", Method: zip.Store}
				header.SetMode(os.ModeDir | 0755)
				if _, err := w.CreateHeader(header); err != nil {
					t.Fatalf("failed to create directory in test zip: %v", err)
				}
			}
		}
	}
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to create file in test zip: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write file in test zip: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close test zip: %v", err)
	}
	return buf.Bytes()
}

func openBytes(t *testing.T, data []byte, root ...string) *dal.Operator {
	t.Helper()
	a, err := NewFromReader(bytes.NewReader(data), int64(len(data)), root...)
	if err != nil {
		t.Fatalf("NewFromReader() error = %v", err)
	}
	return dal.NewOperator(a)
}

func TestConformance(t *testing.T) {
	files := map[string]string{daltest.FixturePath: daltest.FixtureContent}

	t.Run("implicit directories", func(t *testing.T) {
		daltest.TestAccessor(t, openBytes(t, buildZip(t, files, false)))
	})
	t.Run("explicit directories", func(t *testing.T) {
		daltest.TestAccessor(t, openBytes(t, buildZip(t, files, true)))
	})
	t.Run("rooted", func(t *testing.T) {
		nested := map[string]string{"site/" + daltest.FixturePath: daltest.FixtureContent}
		daltest.TestAccessor(t, openBytes(t, buildZip(t, nested, false), "site"))
	})
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	zipPath := filepath.Join(tmpDir, "test.zip")
	data := buildZip(t, map[string]string{"file1.txt": "content1", "dir/file2.txt": "content2"}, true)
	if err := os.WriteFile(zipPath, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Run("opens existing zip file", func(t *testing.T) {
		a, err := Open(zipPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer a.Close()
		if ok, _ := dal.NewOperator(a).IsExist(context.Background(), "file1.txt"); !ok {
			t.Error("expected file1.txt to exist")
		}
	})

	t.Run("factory requires path", func(t *testing.T) {
		_, err := Factory(context.Background(), nil)
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})

	t.Run("factory opens path", func(t *testing.T) {
		acc, err := Factory(context.Background(), map[string]string{"path": zipPath})
		if err != nil {
			t.Fatalf("Factory() error = %v", err)
		}
		defer acc.(*Adapter).Close()
	})

	t.Run("fails for non-existent file", func(t *testing.T) {
		_, err := Open(filepath.Join(tmpDir, "nonexistent.zip"))
		if !dal.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("malformed archive is invalid input", func(t *testing.T) {
		junk := []byte("definitely not a zip")
		_, err := NewFromReader(bytes.NewReader(junk), int64(len(junk)))
		if dal.KindOf(err) != dal.KindInvalidInput {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})
}

func TestListContents(t *testing.T) {
	ctx := context.Background()
	op := openBytes(t, buildZip(t, map[string]string{
		"root.txt":        "r",
		"docs/a.md":       "a",
		"docs/deep/b.md":  "b",
		"images/logo.png": "png",
		"../escape.txt":   "x",
	}, false))

	paths := func(entries []dal.Entry) string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Path)
		}
		return strings.Join(out, ",")
	}

	t.Run("top level", func(t *testing.T) {
		entries, err := op.ListAll(ctx, "/")
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		if got := paths(entries); got != "docs/,escape.txt,images/,root.txt" {
			t.Errorf("ListAll(/) = %s", got)
		}
	})

	t.Run("recursive", func(t *testing.T) {
		entries, err := op.ListAll(ctx, "docs/", dal.WithRecursive(true))
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		if got := paths(entries); got != "docs/a.md,docs/deep/,docs/deep/b.md" {
			t.Errorf("ListAll(docs/, recursive) = %s", got)
		}
	})
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	op := openBytes(t, buildZip(t, map[string]string{"a.txt": "a"}, false))

	if _, err := op.Write(ctx, "b.txt", []byte("b")); !dal.IsUnsupported(err) {
		t.Errorf("Write() error = %v, want Unsupported", err)
	}
	if err := op.Delete(ctx, "a.txt"); !dal.IsUnsupported(err) {
		t.Errorf("Delete() error = %v, want Unsupported", err)
	}
	if op.Info().Capability.Write {
		t.Error("zip archives must not report Write")
	}
}
