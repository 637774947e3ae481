// Package vault protects CloudStack API credentials at rest and serves
// decrypted snapshots to the signing path.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
)

var (
	// ErrConfig marks a malformed or incomplete credential source.
	ErrConfig = errors.New("vault: invalid credential config")
	// ErrDecryption marks an AEAD authentication failure: wrong passphrase
	// or a tampered store.
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrAuthRejected marks an authenticated rejection by the upstream
	// API. It is fatal and never retried.
	ErrAuthRejected = errors.New("vault: credentials rejected by api")
	// ErrNetwork marks a transient network failure, retryable up to the
	// configured limit.
	ErrNetwork = errors.New("vault: network failure")
	// ErrUnknownEnvironment marks a request for an environment the store
	// does not define.
	ErrUnknownEnvironment = errors.New("vault: unknown environment")
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3
)

// Credentials is one environment's decrypted credential snapshot. The secret
// key lives in a locked buffer and is only copied out at signing time.
type Credentials struct {
	Environment string
	APIKey      string
	Endpoint    string
	Timeout     time.Duration
	Retries     int

	secret *memguard.LockedBuffer
}

// SecretKey copies the secret key out of the locked buffer. Callers must not
// retain the returned string beyond the signing call.
func (c Credentials) SecretKey() string {
	if c.secret == nil || !c.secret.IsAlive() {
		return ""
	}
	return string(c.secret.Bytes())
}

// KeyPrefix returns a loggable, non-sensitive prefix of the API key.
func (c Credentials) KeyPrefix() string {
	if len(c.APIKey) <= 8 {
		return c.APIKey
	}
	return c.APIKey[:8]
}

// Vault owns the decrypted credential set. The active snapshot is behind an
// atomic pointer so signing reads never block, and a completed Rotate is
// immediately visible to every subsequent reader.
type Vault struct {
	path       string
	passphrase *memguard.LockedBuffer

	mu       sync.Mutex
	config   StoreConfig
	active   string
	snapshot atomic.Pointer[Credentials]
	byEnv    map[string]Credentials
	retired  []*memguard.LockedBuffer

	issuer KeyIssuer
	prober Prober
	env    map[string]string
	sleep  func(time.Duration)
}

// KeyIssuer obtains a fresh credential pair from the upstream API during
// rotation.
type KeyIssuer interface {
	IssueKeys(ctx context.Context, environment string) (apiKey, secretKey string, err error)
}

// Prober issues a lightweight authenticated request with the given
// credentials. It returns nil on success, ErrAuthRejected (wrapped) on an
// authentication rejection, and ErrNetwork (wrapped) on transient failure.
type Prober interface {
	Probe(ctx context.Context, creds Credentials) error
}

type Option func(*Vault)

// WithEnv overrides process environment lookup, mainly for tests.
func WithEnv(env map[string]string) Option {
	return func(v *Vault) { v.env = env }
}

func WithKeyIssuer(issuer KeyIssuer) Option {
	return func(v *Vault) { v.issuer = issuer }
}

func WithProber(prober Prober) Option {
	return func(v *Vault) { v.prober = prober }
}

// WithSleep overrides the backoff sleep between probe retries.
func WithSleep(sleep func(time.Duration)) Option {
	return func(v *Vault) { v.sleep = sleep }
}

// Open decrypts the credential store at path and applies environment
// variable overrides, which always take precedence over stored values.
func Open(path string, passphrase []byte, opts ...Option) (*Vault, error) {
	v := &Vault{
		path:  path,
		env:   nil,
		byEnv: map[string]Credentials{},
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(v)
	}

	config, err := loadStore(path, passphrase)
	if err != nil {
		return nil, err
	}

	v.passphrase = memguard.NewBufferFromBytes(append([]byte(nil), passphrase...))
	if err := v.install(config); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// install validates config, applies env overrides, and rebuilds the
// in-memory credential set.
func (v *Vault) install(config StoreConfig) error {
	applyEnvOverrides(&config, v.lookupEnv)

	if err := config.validate(); err != nil {
		return err
	}

	byEnv := make(map[string]Credentials, len(config.Environments))
	for name, envCfg := range config.Environments {
		timeout := time.Duration(envCfg.TimeoutSeconds) * time.Second
		if envCfg.TimeoutSeconds <= 0 {
			timeout = DefaultTimeout
		}
		retries := envCfg.Retries
		if retries <= 0 {
			retries = DefaultRetries
		}
		byEnv[name] = Credentials{
			Environment: name,
			APIKey:      envCfg.APIKey,
			Endpoint:    envCfg.Endpoint,
			Timeout:     timeout,
			Retries:     retries,
			secret:      memguard.NewBufferFromBytes([]byte(envCfg.SecretKey)),
		}
	}

	v.mu.Lock()
	for _, old := range v.byEnv {
		if old.secret != nil {
			v.retired = append(v.retired, old.secret)
		}
	}
	v.config = config
	v.active = config.Default
	v.byEnv = byEnv
	activeCreds := byEnv[config.Default]
	v.snapshot.Store(&activeCreds)
	v.mu.Unlock()
	return nil
}

// Credentials returns the snapshot for environment, or the default
// environment when empty.
func (v *Vault) Credentials(environment string) (Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if environment == "" {
		environment = v.active
	}
	creds, ok := v.byEnv[environment]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
	}
	return creds, nil
}

// Snapshot returns the active environment's credentials without locking.
// Signing paths call this concurrently; after Rotate completes they observe
// only the new snapshot.
func (v *Vault) Snapshot() Credentials {
	creds := v.snapshot.Load()
	if creds == nil {
		return Credentials{}
	}
	return *creds
}

// Environments lists the configured environment names.
func (v *Vault) Environments() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.byEnv))
	for name := range v.byEnv {
		out = append(out, name)
	}
	return out
}

// Close zeroizes every secret the vault holds, including retired buffers
// kept alive for in-flight signing calls during rotation.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, creds := range v.byEnv {
		if creds.secret != nil && creds.secret.IsAlive() {
			creds.secret.Destroy()
		}
	}
	for _, buf := range v.retired {
		if buf != nil && buf.IsAlive() {
			buf.Destroy()
		}
	}
	v.retired = nil
	if v.passphrase != nil && v.passphrase.IsAlive() {
		v.passphrase.Destroy()
	}
}

func (v *Vault) lookupEnv(key string) (string, bool) {
	if v.env != nil {
		value, ok := v.env[key]
		return value, ok
	}
	return os.LookupEnv(key)
}
