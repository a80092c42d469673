package sftp

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gobeaver/dal"
)

// Factory builds an Adapter from the options "host" (required), "port",
// "username", "password", "private_key_file", "passphrase",
// "known_hosts_file", "root" and "timeout".
func Factory(_ context.Context, opts map[string]string) (dal.Accessor, error) {
	host, err := dal.RequireOption(opts, Scheme, "host")
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Host:           host,
		Username:       opts["username"],
		Password:       opts["password"],
		Passphrase:     opts["passphrase"],
		KnownHostsFile: opts["known_hosts_file"],
		Root:           opts["root"],
	}
	if v := opts["port"]; v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil {
			return nil, dal.Errorf(dal.KindInvalidInput, "open", "", "sftp: invalid port %q", v)
		}
	}
	if v := opts["timeout"]; v != "" {
		if cfg.Timeout, err = time.ParseDuration(v); err != nil {
			return nil, dal.Errorf(dal.KindInvalidInput, "open", "", "sftp: invalid timeout %q", v)
		}
	}

	// Load private key if specified
	if file := opts["private_key_file"]; file != "" {
		keyData, err := os.ReadFile(file)
		if err != nil {
			return nil, dal.FromOS("open", file, err)
		}
		cfg.PrivateKey = keyData
	}
	return New(cfg)
}
