// Package all registers every backend shipped with dal.
package all

import (
	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/driver/azure"
	"github.com/gobeaver/dal/driver/gcs"
	"github.com/gobeaver/dal/driver/local"
	"github.com/gobeaver/dal/driver/memory"
	"github.com/gobeaver/dal/driver/mongodb"
	"github.com/gobeaver/dal/driver/s3"
	"github.com/gobeaver/dal/driver/sftp"
	"github.com/gobeaver/dal/driver/sql"
	"github.com/gobeaver/dal/driver/zip"
)

// Register adds every backend to r. The local filesystem is available
// as both "fs" and "local".
func Register(r *dal.Registry) {
	r.Register(memory.Scheme, memory.Factory)
	r.Register(local.Scheme, local.Factory)
	r.Register("local", local.Factory)
	r.Register(zip.Scheme, zip.Factory)
	r.Register(sql.SQLite.Name, sql.SQLiteFactory)
	r.Register(sql.Postgres.Name, sql.PostgresFactory)
	r.Register(s3.Scheme, s3.Factory)
	r.Register(gcs.Scheme, gcs.Factory)
	r.Register(azure.Scheme, azure.Factory)
	r.Register(sftp.Scheme, sftp.Factory)
	r.Register(mongodb.Scheme, mongodb.Factory)
}

// Registry returns a new registry holding every backend
func Registry() *dal.Registry {
	r := dal.NewRegistry()
	Register(r)
	return r
}
