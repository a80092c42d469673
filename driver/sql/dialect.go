package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/gobeaver/dal"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	// Name is the registry scheme and database/sql driver name
	Name string
	// pathType declares the key column. It must sort bytewise.
	pathType string
	blobType string
	// numbered placeholders ($1, $2, ...) instead of "?"
	numbered bool
}

var (
	// SQLite is the modernc.org/sqlite dialect
	SQLite = Dialect{Name: "sqlite", pathType: "TEXT", blobType: "BLOB"}
	// Postgres is the github.com/lib/pq dialect
	Postgres = Dialect{Name: "postgres", pathType: `TEXT COLLATE "C"`, blobType: "BYTEA", numbered: true}
)

// rebind rewrites "?" placeholders for the dialect
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			path                ` + d.pathType + ` PRIMARY KEY,
			content             ` + d.blobType + ` NOT NULL,
			size                BIGINT NOT NULL,
			etag                TEXT   NOT NULL,
			content_type        TEXT   NOT NULL DEFAULT '',
			cache_control       TEXT   NOT NULL DEFAULT '',
			content_disposition TEXT   NOT NULL DEFAULT '',
			modified            BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + table + `_uploads (
			upload_id           TEXT PRIMARY KEY,
			path                TEXT NOT NULL,
			content_type        TEXT NOT NULL DEFAULT '',
			cache_control       TEXT NOT NULL DEFAULT '',
			content_disposition TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + table + `_parts (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			content     ` + d.blobType + ` NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		)`,
	}
}

// SQLite result codes, see https://sqlite.org/rescode.html
const (
	sqliteBusy     = 5
	sqliteLocked   = 6
	sqliteReadOnly = 8
	sqliteFull     = 13
	sqliteAuth     = 23
)

// mapError classifies database errors. Lock contention and lost
// connections are temporary.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dbsql.ErrNoRows) {
		return dal.NewError(dal.KindNotFound, op, path, err)
	}
	if ce := dal.FromContext(op, path, err); ce != nil {
		return ce
	}
	if errors.Is(err, dbsql.ErrConnDone) {
		return temporary(dal.KindUnavailable, op, path, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return temporary(dal.KindUnavailable, op, path, err)
		case sqliteReadOnly, sqliteAuth:
			return dal.NewError(dal.KindPermissionDenied, op, path, err)
		case sqliteFull:
			return dal.NewError(dal.KindUnavailable, op, path, err)
		}
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Code.Class() == "08", pe.Code == "57P01", pe.Code == "40001", pe.Code == "40P01":
			// connection exceptions, admin shutdown, serialization and deadlock
			return temporary(dal.KindUnavailable, op, path, err)
		case pe.Code == "53300":
			return temporary(dal.KindRateLimited, op, path, err)
		case pe.Code == "42501":
			return dal.NewError(dal.KindPermissionDenied, op, path, err)
		case pe.Code == "23505":
			return dal.NewError(dal.KindAlreadyExists, op, path, err)
		}
	}
	return dal.WrapError(op, path, err)
}

func temporary(kind dal.Kind, op, path string, err error) error {
	e := dal.NewError(kind, op, path, err)
	e.Temporary = true
	return e
}

// inTx runs fn in a transaction and commits when it returns nil
func inTx(ctx context.Context, db *dbsql.DB, fn func(tx *dbsql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
