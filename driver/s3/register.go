package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gobeaver/dal"
)

// Config holds the settings of an S3 client and adapter
type Config struct {
	Bucket          string
	Root            string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
}

// Factory builds an Adapter from the options "bucket" (required), "root",
// "region", "endpoint", "access_key_id", "secret_access_key",
// "session_token" and "force_path_style".
func Factory(ctx context.Context, opts map[string]string) (dal.Accessor, error) {
	bucket, err := dal.RequireOption(opts, Scheme, "bucket")
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, Config{
		Bucket:          bucket,
		Root:            opts["root"],
		Region:          opts["region"],
		Endpoint:        opts["endpoint"],
		AccessKeyID:     opts["access_key_id"],
		SecretAccessKey: opts["secret_access_key"],
		SessionToken:    opts["session_token"],
		ForcePathStyle:  dal.BoolOption(opts, "force_path_style", false),
	})
}

// NewFromConfig loads the default AWS configuration, applies cfg on top of
// it and returns an adapter for cfg.Bucket.
func NewFromConfig(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := createClient(ctx, cfg)
	if err != nil {
		return nil, dal.NewError(dal.KindInvalidInput, "open", "", fmt.Errorf("s3: creating client: %w", err))
	}
	return New(client, cfg.Bucket, WithRoot(cfg.Root)), nil
}

func createClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	// explicit credentials win over the default chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}
