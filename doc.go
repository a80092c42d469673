// Package dal provides one data access API over many storage backends.
//
// Every backend implements the small [Accessor] interface and describes
// what it can do natively with a [Capability] value. The [Operator] wraps
// an Accessor with the user facing API: it normalizes paths, validates
// options against the capability, and falls back to generic emulation
// where a backend lacks a feature (ranged reads, recursive listing,
// copy, rename, batch delete).
//
// # Backends
//
// Backends live under driver/ and register a scheme with a [Registry]:
//
//   - fs        local filesystem (driver/local)
//   - memory    in-process map (driver/memory)
//   - s3        Amazon S3 and compatible stores (driver/s3)
//   - gcs       Google Cloud Storage (driver/gcs)
//   - azblob    Azure Blob Storage (driver/azure)
//   - sftp      SSH file transfer (driver/sftp)
//   - postgres, sqlite  objects as table rows (driver/sql)
//   - mongodb   objects as collection documents (driver/mongodb)
//   - zip       read-only archives (driver/zip)
//
// driver/all registers every backend at once.
//
// # Basic Usage
//
//	op := dal.NewOperator(memory.New())
//
//	ctx := context.Background()
//	_, err := op.Write(ctx, "hello.txt", []byte("Hello, World!"))
//	data, err := op.Read(ctx, "hello.txt")
//	part, err := op.ReadRange(ctx, "hello.txt", 7, 5)
//	ok, err := op.IsExist(ctx, "hello.txt")
//
//	entries, err := op.ListAll(ctx, "logs/", dal.WithRecursive(true))
//
// Paths are relative to the backend root. A trailing "/" names a
// directory; ".." may not climb above the root.
//
// # Layers
//
// A [Layer] wraps an Accessor to add behavior. Operator.Layer returns a new
// operator; the last layer added runs first:
//
//	op = op.
//	    Layer(dal.NewConcurrentLimitLayer(dal.ConcurrentLimitConfig{MaxInFlight: 16})).
//	    Layer(dal.NewRetryLayer(dal.DefaultRetryConfig())).
//	    Layer(dal.NewLoggingLayer(logger)).
//	    Layer(dal.NewReadOnlyLayer())
//
// Built in layers cover retry with backoff, concurrency and rate limits,
// read-only protection, metadata caching, content encryption and
// structured logging. Tracing and Prometheus metrics live in layers/.
//
// # Listing
//
// List returns a [Lister] that fetches pages lazily:
//
//	l, err := op.List(ctx, "photos/", dal.WithLimit(100))
//	for {
//	    e, err := l.Next(ctx)
//	    if errors.Is(err, dal.Done) {
//	        break
//	    }
//	    ...
//	}
//
// # Error Handling
//
// Every error returned by the package is an [*Error] with a [Kind]:
//
//	_, err := op.Read(ctx, "missing.txt")
//	if dal.IsNotFound(err) {
//	    // ...
//	}
//	if dal.IsRetryable(err) {
//	    // transient, worth another attempt
//	}
//
// # Configuration
//
// [GetConfig] reads BEAVER_DAL_ environment variables, [LoadFile] reads
// YAML, and [Open] builds the configured backend with its layers:
//
//	cfg, err := dal.GetConfig()
//	op, err := dal.Open(ctx, all.Registry(), cfg)
package dal
