// Package sql stores objects as rows of a relational table. It backs the
// "sqlite" (modernc.org/sqlite) and "postgres" (github.com/lib/pq) schemes.
//
// Each object is one row keyed by its path. Directories are rows whose path
// ends in "/" and hold no content; directories implied by deeper paths need
// no row at all.
package sql

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // etag only
	dbsql "database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobeaver/dal"
	"github.com/google/uuid"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// DefaultTable is the object table used when none is configured
const DefaultTable = "dal_objects"

const defaultPageSize = 1000

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration for the sql adapter
type Config struct {
	// Root prefixes every key
	Root string
	// Table is the object table; upload staging uses Table_uploads and
	// Table_parts.
	Table string
}

// Adapter is a dal.Accessor over a database/sql handle
type Adapter struct {
	db      *dbsql.DB
	dialect Dialect
	root    string
	table   string
	owned   bool
}

// New wraps db and creates the tables when missing.
func New(ctx context.Context, db *dbsql.DB, dialect Dialect, cfg Config) (*Adapter, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, dal.Errorf(dal.KindInvalidInput, "open", "", "sql: invalid table name %q", table)
	}
	a := &Adapter{db: db, dialect: dialect, root: dal.NormalizeRoot(cfg.Root), table: table}
	if err := a.initSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Open connects with the dialect's driver and calls New. Close releases
// the connection pool.
func Open(ctx context.Context, dialect Dialect, dsn string, cfg Config) (*Adapter, error) {
	db, err := dbsql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, dal.NewError(dal.KindInvalidInput, "open", "", err)
	}
	if dialect.Name == SQLite.Name {
		// a single writer avoids SQLITE_BUSY and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	a, err := New(ctx, db, dialect, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// SQLiteFactory builds an sqlite Adapter from the options "dsn" (default an
// in-memory database), "table" and "root".
func SQLiteFactory(ctx context.Context, options map[string]string) (dal.Accessor, error) {
	dsn := options["dsn"]
	if dsn == "" {
		dsn = ":memory:"
	}
	return Open(ctx, SQLite, dsn, Config{Root: options["root"], Table: options["table"]})
}

// PostgresFactory builds a postgres Adapter. "dsn" is required, "table" and
// "root" are optional.
func PostgresFactory(ctx context.Context, options map[string]string) (dal.Accessor, error) {
	dsn, err := dal.RequireOption(options, Postgres.Name, "dsn")
	if err != nil {
		return nil, err
	}
	return Open(ctx, Postgres, dsn, Config{Root: options["root"], Table: options["table"]})
}

func (a *Adapter) initSchema(ctx context.Context) error {
	if a.dialect.Name == SQLite.Name {
		for _, p := range []string{"PRAGMA busy_timeout = 5000"} {
			if _, err := a.db.ExecContext(ctx, p); err != nil {
				return mapError("open", "", fmt.Errorf("executing %q: %w", p, err))
			}
		}
	}
	for _, stmt := range a.dialect.schema(a.table) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return mapError("open", "", fmt.Errorf("creating schema: %w", err))
		}
	}
	return nil
}

// Close closes the database when the adapter opened it
func (a *Adapter) Close() error {
	if !a.owned {
		return nil
	}
	return a.db.Close()
}

// Info implements dal.Accessor
func (a *Adapter) Info() dal.AccessorInfo {
	return dal.AccessorInfo{
		Scheme: a.dialect.Name,
		Root:   a.root,
		Capability: dal.Capability{
			Stat:                        true,
			StatWithIfMatch:             true,
			StatWithIfNoneMatch:         true,
			Read:                        true,
			ReadWithRange:               true,
			ReadWithIfMatch:             true,
			ReadWithIfNoneMatch:         true,
			Write:                       true,
			WriteCanEmpty:               true,
			WriteCanAppend:              true,
			WriteCanMulti:               true,
			WriteWithContentType:        true,
			WriteWithCacheControl:       true,
			WriteWithContentDisposition: true,
			CreateDir:                   true,
			Delete:                      true,
			Copy:                        true,
			Rename:                      true,
			List:                        true,
			ListWithLimit:               true,
			ListWithStartAfter:          true,
			ListWithRecursive:           true,
			Batch:                       true,
			BatchMaxOperations:          defaultPageSize,
			Multipart:                   true,
		},
	}
}

func (a *Adapter) q(query string) string {
	return a.dialect.rebind(strings.ReplaceAll(query, "{t}", a.table))
}

func (a *Adapter) key(p string) string {
	return dal.BuildAbsPath(a.root, p)
}

func (a *Adapter) rel(key string) string {
	return dal.BuildRelPath(a.root, key)
}

// prefixEnd returns the smallest string greater than every string with
// the given prefix. The prefix always ends in "/".
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

type row struct {
	key                string
	content            []byte
	size               int64
	etag               string
	contentType        string
	cacheControl       string
	contentDisposition string
	modified           int64
}

const metaColumns = "path, size, etag, content_type, cache_control, content_disposition, modified"

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(s scanner, r *row) error {
	return s.Scan(&r.key, &r.size, &r.etag, &r.contentType, &r.cacheControl, &r.contentDisposition, &r.modified)
}

func (r *row) metadata(p string) *dal.Metadata {
	md := dal.NewMetadata(p)
	md.LastModified = time.Unix(0, r.modified)
	if md.IsDir() {
		return md
	}
	md.Size = r.size
	md.ETag = r.etag
	md.ContentType = r.contentType
	md.CacheControl = r.cacheControl
	md.ContentDisposition = r.contentDisposition
	return md
}

func (a *Adapter) dirExists(ctx context.Context, prefix string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx,
		a.q(`SELECT 1 FROM {t} WHERE path >= ? AND path < ? LIMIT 1`),
		prefix, prefixEnd(prefix),
	).Scan(&one)
	if err == dbsql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Stat implements dal.Accessor
func (a *Adapter) Stat(ctx context.Context, path string, op dal.OpStat) (*dal.Metadata, error) {
	if path == "/" {
		return dal.NewMetadata("/"), nil
	}
	k := a.key(path)
	if dal.IsDirPath(path) {
		ok, err := a.dirExists(ctx, k)
		if err != nil {
			return nil, mapError("stat", path, err)
		}
		if !ok {
			return nil, dal.Errorf(dal.KindNotFound, "stat", path, "directory not found")
		}
		return dal.NewMetadata(path), nil
	}

	var r row
	err := scanMeta(a.db.QueryRowContext(ctx, a.q(`SELECT `+metaColumns+` FROM {t} WHERE path = ?`), k), &r)
	if err != nil {
		return nil, mapError("stat", path, err)
	}
	if err := dal.CheckCondition("stat", path, r.etag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, err
	}
	return r.metadata(path), nil
}

// Read implements dal.Accessor
func (a *Adapter) Read(ctx context.Context, path string, op dal.OpRead) (io.ReadCloser, *dal.Metadata, error) {
	if dal.IsDirPath(path) {
		return nil, nil, dal.Errorf(dal.KindInvalidInput, "read", path, "cannot read a directory")
	}
	var r row
	err := a.db.QueryRowContext(ctx,
		a.q(`SELECT content, `+metaColumns+` FROM {t} WHERE path = ?`), a.key(path),
	).Scan(&r.content, &r.key, &r.size, &r.etag, &r.contentType, &r.cacheControl, &r.contentDisposition, &r.modified)
	if err != nil {
		return nil, nil, mapError("read", path, err)
	}
	if err := dal.CheckCondition("read", path, r.etag, op.IfMatch, op.IfNoneMatch); err != nil {
		return nil, nil, err
	}
	rc, md := dal.RangeReader(r.content, op.Range, r.metadata(path))
	return rc, md, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (dbsql.Result, error)
}

func (a *Adapter) upsert(ctx context.Context, db execer, r *row) error {
	_, err := db.ExecContext(ctx, a.q(`INSERT INTO {t}
		(path, content, size, etag, content_type, cache_control, content_disposition, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			content = excluded.content,
			size = excluded.size,
			etag = excluded.etag,
			content_type = excluded.content_type,
			cache_control = excluded.cache_control,
			content_disposition = excluded.content_disposition,
			modified = excluded.modified`),
		r.key, r.content, r.size, r.etag, r.contentType, r.cacheControl, r.contentDisposition, r.modified,
	)
	return err
}

// Write implements dal.Accessor. Appends read, extend and rewrite the row
// inside one transaction.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, op dal.OpWrite) (*dal.Metadata, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, dal.WrapError("write", path, err)
	}
	if dal.IsDirPath(path) {
		if len(data) > 0 {
			return nil, dal.Errorf(dal.KindInvalidInput, "write", path, "directory paths cannot hold content")
		}
		return dal.NewMetadata(path), a.CreateDir(ctx, path, dal.OpCreateDir{})
	}

	r := &row{
		key:                a.key(path),
		contentType:        op.ContentType,
		cacheControl:       op.CacheControl,
		contentDisposition: op.ContentDisposition,
		modified:           time.Now().UnixNano(),
	}
	err = inTx(ctx, a.db, func(tx *dbsql.Tx) error {
		if op.Append {
			var existing []byte
			var contentType string
			err := tx.QueryRowContext(ctx, a.q(`SELECT content, content_type FROM {t} WHERE path = ?`), r.key).
				Scan(&existing, &contentType)
			switch {
			case err == nil:
				data = append(existing, data...)
				if r.contentType == "" {
					r.contentType = contentType
				}
			case err != dbsql.ErrNoRows:
				return err
			}
		}
		r.content = data
		r.size = int64(len(data))
		r.etag = etagOf(data)
		if r.contentType == "" {
			r.contentType = dal.GuessContentType(path, data)
		}
		return a.upsert(ctx, tx, r)
	})
	if err != nil {
		return nil, mapError("write", path, err)
	}
	return r.metadata(path), nil
}

// CreateDir implements dal.Accessor
func (a *Adapter) CreateDir(ctx context.Context, path string, _ dal.OpCreateDir) error {
	if path == "/" {
		return nil
	}
	_, err := a.db.ExecContext(ctx, a.q(`INSERT INTO {t}
		(path, content, size, etag, modified) VALUES (?, ?, 0, '', ?)
		ON CONFLICT (path) DO NOTHING`),
		a.key(path), []byte{}, time.Now().UnixNano(),
	)
	return mapError("create_dir", path, err)
}

// Delete implements dal.Accessor. A directory loses only its own row.
func (a *Adapter) Delete(ctx context.Context, path string, _ dal.OpDelete) error {
	_, err := a.db.ExecContext(ctx, a.q(`DELETE FROM {t} WHERE path = ?`), a.key(path))
	return mapError("delete", path, err)
}

// listCursor is the position of a listing: rows at or after from
type listCursor struct {
	from      string
	inclusive bool
}

func encodeCursor(c listCursor) string {
	if c.inclusive {
		return "e" + c.from
	}
	return "g" + c.from
}

func decodeCursor(token string) listCursor {
	return listCursor{from: token[1:], inclusive: token[0] == 'e'}
}

// List implements dal.Accessor. Rows are read in key order one page at a
// time; non-recursive listings skip over each child directory with a
// single range jump.
func (a *Adapter) List(ctx context.Context, path string, op dal.OpList) (dal.Pager, error) {
	prefix := a.key(path)
	end := prefixEnd(prefix)
	limit := op.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	start := listCursor{from: prefix, inclusive: true}
	if op.StartAfter != "" {
		if k := a.key(op.StartAfter); k >= prefix {
			start = listCursor{from: k}
		}
	}
	seen := make(map[string]bool)

	return dal.NewTokenPager(func(ctx context.Context, token string) ([]dal.Entry, string, bool, error) {
		cur := start
		if token != "" {
			cur = decodeCursor(token)
		}
		cmp := ">"
		if cur.inclusive {
			cmp = ">="
		}
		query := `SELECT ` + metaColumns + ` FROM {t} WHERE path ` + cmp + ` ?`
		args := []any{cur.from}
		if end != "" {
			query += ` AND path < ?`
			args = append(args, end)
		}
		query += ` ORDER BY path LIMIT ` + strconv.Itoa(limit)

		rows, err := a.db.QueryContext(ctx, a.q(query), args...)
		if err != nil {
			return nil, "", false, mapError("list", path, err)
		}
		defer rows.Close()

		var entries []dal.Entry
		emit := func(key string, md *dal.Metadata) {
			if seen[key] {
				return
			}
			seen[key] = true
			rel := a.rel(key)
			if op.StartAfter != "" && rel <= op.StartAfter {
				return
			}
			if md == nil {
				md = dal.NewMetadata(rel)
			}
			md.Path = rel
			entries = append(entries, dal.NewEntry(rel, md))
		}

		n := 0
		var next listCursor
		for rows.Next() {
			var r row
			if err := scanMeta(rows, &r); err != nil {
				return nil, "", false, mapError("list", path, err)
			}
			n++
			next = listCursor{from: r.key}
			rest := strings.TrimPrefix(r.key, prefix)
			if rest == "" {
				continue
			}
			slash := strings.IndexByte(rest, '/')
			if slash >= 0 && slash < len(rest)-1 {
				if !op.Recursive {
					child := prefix + rest[:slash+1]
					emit(child, nil)
					// jump past everything below child
					next = listCursor{from: prefixEnd(child), inclusive: true}
					break
				}
				for i := slash; i >= 0 && i < len(rest)-1; i = nextSlash(rest, i) {
					emit(prefix+rest[:i+1], nil)
				}
			}
			emit(r.key, r.metadata(a.rel(r.key)))
		}
		if err := rows.Err(); err != nil {
			return nil, "", false, mapError("list", path, err)
		}
		if n == 0 {
			return entries, "", true, nil
		}
		return entries, encodeCursor(next), n < limit && !next.inclusive, nil
	}), nil
}

// nextSlash returns the index of the next '/' after i, or -1
func nextSlash(s string, i int) int {
	j := strings.IndexByte(s[i+1:], '/')
	if j < 0 {
		return -1
	}
	return i + 1 + j
}

// Copy implements dal.Accessor
func (a *Adapter) Copy(ctx context.Context, from, to string, _ dal.OpCopy) error {
	err := inTx(ctx, a.db, func(tx *dbsql.Tx) error {
		var r row
		err := tx.QueryRowContext(ctx,
			a.q(`SELECT content, `+metaColumns+` FROM {t} WHERE path = ?`), a.key(from),
		).Scan(&r.content, &r.key, &r.size, &r.etag, &r.contentType, &r.cacheControl, &r.contentDisposition, &r.modified)
		if err != nil {
			return err
		}
		r.key = a.key(to)
		r.modified = time.Now().UnixNano()
		return a.upsert(ctx, tx, &r)
	})
	return mapError("copy", from, err)
}

// Rename implements dal.Accessor
func (a *Adapter) Rename(ctx context.Context, from, to string, _ dal.OpRename) error {
	err := inTx(ctx, a.db, func(tx *dbsql.Tx) error {
		if _, err := tx.ExecContext(ctx, a.q(`DELETE FROM {t} WHERE path = ?`), a.key(to)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, a.q(`UPDATE {t} SET path = ?, modified = ? WHERE path = ?`),
			a.key(to), time.Now().UnixNano(), a.key(from))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return dbsql.ErrNoRows
		}
		return nil
	})
	return mapError("rename", from, err)
}

// Presign implements dal.Accessor
func (a *Adapter) Presign(context.Context, string, dal.OpPresign) (*dal.PresignedRequest, error) {
	return nil, dal.Unsupported("presign", "Presign")
}

// Batch implements dal.Accessor with a single DELETE ... IN statement.
func (a *Adapter) Batch(ctx context.Context, op dal.OpBatch) ([]dal.BatchResult, error) {
	if len(op.Paths) == 0 {
		return nil, nil
	}
	args := make([]any, len(op.Paths))
	for i, p := range op.Paths {
		args[i] = a.key(p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	if _, err := a.db.ExecContext(ctx, a.q(`DELETE FROM {t} WHERE path IN (`+placeholders+`)`), args...); err != nil {
		return nil, mapError("batch", "", err)
	}
	results := make([]dal.BatchResult, len(op.Paths))
	for i, p := range op.Paths {
		results[i] = dal.BatchResult{Path: p}
	}
	return results, nil
}

// ============================================================================
// Multipart
// ============================================================================

// InitiateMultipart implements dal.Multipart
func (a *Adapter) InitiateMultipart(ctx context.Context, path string, op dal.OpWrite) (string, error) {
	id := uuid.NewString()
	_, err := a.db.ExecContext(ctx, a.q(`INSERT INTO {t}_uploads
		(upload_id, path, content_type, cache_control, content_disposition) VALUES (?, ?, ?, ?, ?)`),
		id, a.key(path), op.ContentType, op.CacheControl, op.ContentDisposition,
	)
	if err != nil {
		return "", mapError("initiate_multipart", path, err)
	}
	return id, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *dbsql.Row
}

// upload loads the write options of a pending upload bound to path
func (a *Adapter) upload(ctx context.Context, q queryRower, op, path, id string) (dal.OpWrite, error) {
	var w dal.OpWrite
	var key string
	err := q.QueryRowContext(ctx, a.q(`SELECT path, content_type, cache_control, content_disposition
		FROM {t}_uploads WHERE upload_id = ?`), id).Scan(&key, &w.ContentType, &w.CacheControl, &w.ContentDisposition)
	if err == dbsql.ErrNoRows || (err == nil && key != a.key(path)) {
		return w, dal.Errorf(dal.KindNotFound, op, path, "upload %s not found", id)
	}
	if err != nil {
		return w, mapError(op, path, err)
	}
	return w, nil
}

// WritePart implements dal.Multipart
func (a *Adapter) WritePart(ctx context.Context, path, uploadID string, partNumber int, r io.Reader, _ int64) (dal.Part, error) {
	if partNumber < 1 {
		return dal.Part{}, dal.Errorf(dal.KindInvalidInput, "write_part", path, "part number %d is below 1", partNumber)
	}
	if _, err := a.upload(ctx, a.db, "write_part", path, uploadID); err != nil {
		return dal.Part{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return dal.Part{}, dal.WrapError("write_part", path, err)
	}
	etag := etagOf(data)
	_, err = a.db.ExecContext(ctx, a.q(`INSERT INTO {t}_parts (upload_id, part_number, content, etag)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET content = excluded.content, etag = excluded.etag`),
		uploadID, partNumber, data, etag,
	)
	if err != nil {
		return dal.Part{}, mapError("write_part", path, err)
	}
	return dal.Part{Number: partNumber, ETag: etag, Size: int64(len(data))}, nil
}

// CompleteMultipart implements dal.Multipart. Parts are assembled in
// part-number order and the staging rows removed in the same transaction.
func (a *Adapter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []dal.Part) (*dal.Metadata, error) {
	var md *dal.Metadata
	err := inTx(ctx, a.db, func(tx *dbsql.Tx) error {
		w, err := a.upload(ctx, tx, "complete_multipart", path, uploadID)
		if err != nil {
			return err
		}
		sorted := append([]dal.Part(nil), parts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

		var buf bytes.Buffer
		for _, p := range sorted {
			var data []byte
			err := tx.QueryRowContext(ctx, a.q(`SELECT content FROM {t}_parts WHERE upload_id = ? AND part_number = ?`),
				uploadID, p.Number).Scan(&data)
			if err == dbsql.ErrNoRows {
				return dal.Errorf(dal.KindInvalidInput, "complete_multipart", path, "part %d was never uploaded", p.Number)
			}
			if err != nil {
				return err
			}
			buf.Write(data)
		}

		r := &row{
			key:                a.key(path),
			content:            buf.Bytes(),
			size:               int64(buf.Len()),
			etag:               etagOf(buf.Bytes()),
			contentType:        w.ContentType,
			cacheControl:       w.CacheControl,
			contentDisposition: w.ContentDisposition,
			modified:           time.Now().UnixNano(),
		}
		if r.contentType == "" {
			r.contentType = dal.GuessContentType(path, r.content)
		}
		if err := a.upsert(ctx, tx, r); err != nil {
			return err
		}
		if err := a.dropUpload(ctx, tx, uploadID); err != nil {
			return err
		}
		md = r.metadata(path)
		return nil
	})
	if err != nil {
		return nil, mapError("complete_multipart", path, err)
	}
	return md, nil
}

func (a *Adapter) dropUpload(ctx context.Context, tx *dbsql.Tx, uploadID string) error {
	if _, err := tx.ExecContext(ctx, a.q(`DELETE FROM {t}_parts WHERE upload_id = ?`), uploadID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, a.q(`DELETE FROM {t}_uploads WHERE upload_id = ?`), uploadID)
	return err
}

// AbortMultipart implements dal.Multipart
func (a *Adapter) AbortMultipart(ctx context.Context, path, uploadID string) error {
	err := inTx(ctx, a.db, func(tx *dbsql.Tx) error {
		if _, err := a.upload(ctx, tx, "abort_multipart", path, uploadID); err != nil {
			return err
		}
		return a.dropUpload(ctx, tx, uploadID)
	})
	return mapError("abort_multipart", path, err)
}

var _ dal.Accessor = (*Adapter)(nil)
