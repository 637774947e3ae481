package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/audit"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/cloudstack"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/config"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/log"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/storage"
	"github.com/mozg31337/cloudstack-mcp-server-sub000/internal/vault"
)

const passphraseEnv = "CLOUDSTACK_STORE_PASSPHRASE"

type globalFlags struct {
	ConfigPath  string
	Environment string
	JSON        bool
}

type commandDeps struct {
	out     io.Writer
	globals *globalFlags
	env     map[string]string
}

func (d commandDeps) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: d.globals.ConfigPath,
		Env:        d.env,
	})
	if err != nil {
		return config.Config{}, err
	}
	if d.globals.Environment != "" {
		cfg.Credentials.Environment = d.globals.Environment
	}
	return cfg, nil
}

func (d commandDeps) passphrase() ([]byte, error) {
	value, ok := d.lookupEnv(passphraseEnv)
	if !ok || value == "" {
		return nil, usageErrorf("set %s to the credential store passphrase", passphraseEnv)
	}
	return []byte(value), nil
}

func (d commandDeps) lookupEnv(key string) (string, bool) {
	if d.env != nil {
		value, ok := d.env[key]
		return value, ok
	}
	return os.LookupEnv(key)
}

func (d commandDeps) openVault(cfg config.Config, opts ...vault.Option) (*vault.Vault, error) {
	passphrase, err := d.passphrase()
	if err != nil {
		return nil, err
	}
	if d.env != nil {
		opts = append(opts, vault.WithEnv(d.env))
	}
	v, err := vault.Open(cfg.Credentials.StorePath, passphrase, opts...)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return v, nil
}

func (d commandDeps) openAuditStore(cfg config.Config) (*storage.Store, error) {
	if cfg.Audit.DBPath == "" {
		return nil, usageErrorf("audit.db_path is not configured")
	}
	return storage.Open(cfg.Audit.DBPath)
}

func (d commandDeps) newAPIClient(cfg config.Config) *cloudstack.Client {
	return cloudstack.NewClient(cfg.API.Timeout)
}

// newTrail builds an audit trail from the config. Streams and the store are
// all optional; an unconfigured trail degrades to a discard sink so commands
// still run on a bare setup.
func (d commandDeps) newTrail(cfg config.Config) (*audit.Trail, func(), error) {
	var closers []io.Closer
	cleanup := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	var out io.Writer = io.Discard
	if cfg.Audit.File != "" {
		writer, err := log.NewRotatingWriter(log.RotationConfig{
			File:      cfg.Audit.File,
			MaxSizeMB: cfg.Audit.MaxSizeMB,
			MaxFiles:  cfg.Audit.MaxFiles,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, writer)
		out = writer
	}

	var securityOut io.Writer
	if cfg.Audit.SecurityFile != "" {
		writer, err := log.NewRotatingWriter(log.RotationConfig{
			File:      cfg.Audit.SecurityFile,
			MaxSizeMB: cfg.Audit.MaxSizeMB,
			MaxFiles:  cfg.Audit.MaxFiles,
		})
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, writer)
		securityOut = writer
	}

	var repo storage.AuditRepository
	if cfg.Audit.DBPath != "" {
		store, err := storage.Open(cfg.Audit.DBPath)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, store)
		repo = store.Audit
	}

	trail, err := audit.NewTrail(audit.Options{
		Out:         out,
		SecurityOut: securityOut,
		Repo:        repo,
		Logger:      log.New(cfg.Logging.Level, os.Stderr),
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return trail, cleanup, nil
}

func printJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
