package daltest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gobeaver/dal"
)

// FixturePath and FixtureContent are written by TestAccessor on writable
// backends. Read-only backends must be seeded with them beforehand.
const (
	FixturePath    = "a/b.txt"
	FixtureContent = "hello"
)

// TestAccessor runs the conformance suite against op. Writable backends
// should start empty; the suite removes what it wrote when it is done.
func TestAccessor(t *testing.T, op *dal.Operator) {
	t.Helper()
	ctx := context.Background()
	c := op.Info().Capability

	if c.Write {
		if _, err := op.Write(ctx, FixturePath, []byte(FixtureContent)); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		if c.Delete {
			t.Cleanup(func() {
				if err := op.RemoveAll(context.Background(), "/"); err != nil {
					t.Logf("cleanup: %v", err)
				}
			})
		}
	}

	t.Run("stat root is a directory", func(t *testing.T) {
		md, err := op.Stat(ctx, "/")
		if err != nil {
			t.Fatalf("Stat(/) error = %v", err)
		}
		if !md.IsDir() {
			t.Errorf("Stat(/) mode = %v, want dir", md.Mode)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := op.Read(ctx, FixturePath)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(got) != FixtureContent {
			t.Errorf("Read() = %q, want %q", got, FixtureContent)
		}
	})

	t.Run("stat is idempotent", func(t *testing.T) {
		first, err := op.Stat(ctx, FixturePath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		second, err := op.Stat(ctx, FixturePath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if first.Size != int64(len(FixtureContent)) {
			t.Errorf("Size = %d, want %d", first.Size, len(FixtureContent))
		}
		if first.Size != second.Size || first.ETag != second.ETag || first.Mode != second.Mode {
			t.Errorf("Stat() not idempotent: %+v vs %+v", first, second)
		}
		if !first.IsFile() {
			t.Errorf("Mode = %v, want file", first.Mode)
		}
	})

	t.Run("read is idempotent", func(t *testing.T) {
		a, err := op.Read(ctx, FixturePath)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		b, err := op.Read(ctx, FixturePath)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("reads differ: %q vs %q", a, b)
		}
	})

	t.Run("range read", func(t *testing.T) {
		got, err := op.ReadRange(ctx, FixturePath, 1, 3)
		if err != nil {
			t.Fatalf("ReadRange() error = %v", err)
		}
		if string(got) != FixtureContent[1:4] {
			t.Errorf("ReadRange() = %q, want %q", got, FixtureContent[1:4])
		}
		tail, err := op.ReadRange(ctx, FixturePath, 2, 0)
		if err != nil {
			t.Fatalf("ReadRange(to end) error = %v", err)
		}
		if string(tail) != FixtureContent[2:] {
			t.Errorf("ReadRange(to end) = %q, want %q", tail, FixtureContent[2:])
		}
	})

	t.Run("list shows the file", func(t *testing.T) {
		entries, err := op.ListAll(ctx, "a/")
		if err != nil {
			t.Fatalf("ListAll() error = %v", err)
		}
		var found bool
		for _, e := range entries {
			if e.Path == "a/" {
				t.Errorf("listing includes the directory itself")
			}
			if e.Name() == "b.txt" {
				found = true
				if e.Metadata == nil || e.Metadata.Size != int64(len(FixtureContent)) {
					t.Errorf("entry metadata = %+v, want size %d", e.Metadata, len(FixtureContent))
				}
			}
		}
		if !found {
			t.Errorf("ListAll(a/) = %v, want b.txt", entries)
		}
	})

	t.Run("recursive list", func(t *testing.T) {
		entries, err := op.ListAll(ctx, "/", dal.WithRecursive(true))
		if err != nil {
			t.Fatalf("ListAll(recursive) error = %v", err)
		}
		var file bool
		for _, e := range entries {
			if e.Path == FixturePath {
				file = true
			}
		}
		if !file {
			t.Errorf("recursive listing %v lacks %s", entries, FixturePath)
		}
	})

	t.Run("missing paths are not found", func(t *testing.T) {
		if _, err := op.Stat(ctx, "missing/none.txt"); !dal.IsNotFound(err) {
			t.Errorf("Stat(missing) error = %v, want NotFound", err)
		}
		if _, err := op.Read(ctx, "missing/none.txt"); !dal.IsNotFound(err) {
			t.Errorf("Read(missing) error = %v, want NotFound", err)
		}
	})

	if c.ReadWithIfMatch {
		t.Run("conditional read", func(t *testing.T) {
			md, err := op.Stat(ctx, FixturePath)
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if md.ETag == "" {
				t.Skip("backend reports no etag")
			}
			if _, err := op.Read(ctx, FixturePath, dal.WithIfMatch(md.ETag)); err != nil {
				t.Errorf("Read(IfMatch current) error = %v", err)
			}
			_, err = op.Read(ctx, FixturePath, dal.WithIfMatch(`"stale"`))
			if dal.KindOf(err) != dal.KindConditionNotMatch {
				t.Errorf("Read(IfMatch stale) error = %v, want ConditionNotMatch", err)
			}
		})
	}

	t.Run("absent capabilities never fail with Unexpected", func(t *testing.T) {
		checks := []struct {
			name string
			run  func() error
		}{
			{"create_dir", func() error { return op.CreateDir(ctx, "conformance/dir/") }},
			{"copy", func() error { return op.Copy(ctx, FixturePath, "conformance/copy.txt") }},
			{"rename", func() error {
				if _, err := op.Write(ctx, "conformance/move.txt", []byte("move")); err != nil {
					return err
				}
				return op.Rename(ctx, "conformance/move.txt", "conformance/moved.txt")
			}},
			{"append", func() error {
				_, err := op.Append(ctx, "conformance/log.txt", []byte("line\n"))
				return err
			}},
			{"presign", func() error {
				_, err := op.PresignRead(ctx, FixturePath, time.Minute)
				return err
			}},
			{"batch", func() error {
				_, err := op.Batch(ctx, []string{"conformance/none-1", "conformance/none-2"})
				return err
			}},
			{"delete missing", func() error { return op.Delete(ctx, "conformance/never-existed") }},
			{"write empty", func() error {
				_, err := op.Write(ctx, "conformance/empty", nil)
				return err
			}},
		}
		for _, tc := range checks {
			t.Run(tc.name, func(t *testing.T) {
				err := tc.run()
				if err != nil && dal.KindOf(err) == dal.KindUnexpected {
					t.Errorf("%s error = %v, want success or a classified kind", tc.name, err)
				}
			})
		}
	})

	if c.Rename || (c.Read && c.Write && c.Delete) {
		t.Run("rename moves content", func(t *testing.T) {
			if _, err := op.Write(ctx, "conformance/src.txt", []byte("payload")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if err := op.Rename(ctx, "conformance/src.txt", "conformance/dst.txt"); err != nil {
				t.Fatalf("Rename() error = %v", err)
			}
			if _, err := op.Stat(ctx, "conformance/src.txt"); !dal.IsNotFound(err) {
				t.Errorf("source still present: %v", err)
			}
			got, err := op.Read(ctx, "conformance/dst.txt")
			if err != nil || string(got) != "payload" {
				t.Errorf("Read(dst) = %q, %v", got, err)
			}
		})
	}

	if c.Write && c.List {
		t.Run("start after", func(t *testing.T) {
			for _, p := range []string{"paged/1", "paged/2", "paged/3"} {
				if _, err := op.Write(ctx, p, []byte(p)); err != nil {
					t.Fatalf("Write(%s) error = %v", p, err)
				}
			}
			entries, err := op.ListAll(ctx, "paged/", dal.WithStartAfter("paged/1"))
			if err != nil {
				t.Fatalf("ListAll() error = %v", err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Path)
			}
			if len(got) != 2 || got[0] != "paged/2" || got[1] != "paged/3" {
				t.Errorf("ListAll(start after paged/1) = %v, want [paged/2 paged/3]", got)
			}
		})
	}

	if c.Write && c.Delete {
		t.Run("delete", func(t *testing.T) {
			if _, err := op.Write(ctx, "conformance/delete.txt", []byte("x")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if err := op.Delete(ctx, "conformance/delete.txt"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := op.Stat(ctx, "conformance/delete.txt"); !dal.IsNotFound(err) {
				t.Errorf("Stat(deleted) error = %v, want NotFound", err)
			}
			if err := op.Delete(ctx, "conformance/delete.txt"); err != nil {
				t.Errorf("second Delete() error = %v, want nil", err)
			}
		})
	}
}
