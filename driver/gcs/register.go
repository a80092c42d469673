package gcs

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"github.com/gobeaver/dal"
	"google.golang.org/api/option"
)

// Factory builds an Adapter from the options "bucket" (required), "root",
// "endpoint", "credentials_file", "anonymous", "google_access_id" and
// "private_key_file". Without credentials the client uses
// GOOGLE_APPLICATION_CREDENTIALS or the default credentials.
func Factory(ctx context.Context, opts map[string]string) (dal.Accessor, error) {
	bucket, err := dal.RequireOption(opts, Scheme, "bucket")
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if ep := opts["endpoint"]; ep != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(ep))
	}
	if file := opts["credentials_file"]; file != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(file))
	}
	if dal.BoolOption(opts, "anonymous", false) {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}

	adapterOpts := []AdapterOption{WithRoot(opts["root"])}
	if id := opts["google_access_id"]; id != "" {
		keyFile, err := dal.RequireOption(opts, Scheme, "private_key_file")
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, dal.FromOS("open", keyFile, err)
		}
		adapterOpts = append(adapterOpts, WithSigner(id, key))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, dal.NewError(dal.KindInvalidInput, "open", "", fmt.Errorf("gcs: creating client: %w", err))
	}
	return New(client, bucket, adapterOpts...), nil
}
