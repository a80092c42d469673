package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/gobeaver/dal"
)

// Config holds the settings of an Azure container adapter. Credentials are
// resolved from ConnectionString first, then AccountName with AccountKey,
// then the default Azure credential chain against Endpoint.
type Config struct {
	Container        string
	Root             string
	ConnectionString string
	AccountName      string
	AccountKey       string
	Endpoint         string
}

// Factory builds an Adapter from the options "container" (required),
// "root", "connection_string", "account_name", "account_key" and
// "endpoint".
func Factory(_ context.Context, opts map[string]string) (dal.Accessor, error) {
	name, err := dal.RequireOption(opts, Scheme, "container")
	if err != nil {
		return nil, err
	}
	return NewFromConfig(Config{
		Container:        name,
		Root:             opts["root"],
		ConnectionString: opts["connection_string"],
		AccountName:      opts["account_name"],
		AccountKey:       opts["account_key"],
		Endpoint:         opts["endpoint"],
	})
}

// NewFromConfig creates the container client described by cfg
func NewFromConfig(cfg Config) (*Adapter, error) {
	client, cred, err := createClient(cfg)
	if err != nil {
		return nil, dal.NewError(dal.KindInvalidInput, "open", "", fmt.Errorf("azblob: creating client: %w", err))
	}
	options := []AdapterOption{WithRoot(cfg.Root)}
	if cred != nil {
		options = append(options, WithSharedKey(cred))
	}
	return New(client, options...), nil
}

func serviceURL(cfg Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimSuffix(cfg.Endpoint, "/") + "/"
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
}

func createClient(cfg Config) (*container.Client, *azblob.SharedKeyCredential, error) {
	switch {
	case cfg.ConnectionString != "":
		client, err := container.NewClientFromConnectionString(cfg.ConnectionString, cfg.Container, nil)
		if err != nil {
			return nil, nil, err
		}
		cred, _ := sharedKeyFromConnectionString(cfg.ConnectionString)
		return client, cred, nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, nil, err
		}
		client, err := container.NewClientWithSharedKeyCredential(serviceURL(cfg)+cfg.Container, cred, nil)
		if err != nil {
			return nil, nil, err
		}
		return client, cred, nil

	case cfg.Endpoint != "" || cfg.AccountName != "":
		tokenCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, nil, err
		}
		client, err := container.NewClient(serviceURL(cfg)+cfg.Container, tokenCred, nil)
		return client, nil, err
	}
	return nil, nil, fmt.Errorf("one of connection_string, account_name or endpoint is required")
}

// sharedKeyFromConnectionString extracts the account key of a connection
// string so SAS URLs can be signed. SAS-only connection strings yield nil.
func sharedKeyFromConnectionString(cs string) (*azblob.SharedKeyCredential, error) {
	var name, key string
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "accountname":
			name = v
		case "accountkey":
			key = v
		}
	}
	if name == "" || key == "" {
		return nil, fmt.Errorf("connection string has no account key")
	}
	return azblob.NewSharedKeyCredential(name, key)
}
