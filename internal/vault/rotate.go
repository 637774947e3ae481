package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// RotationResult reports a completed key rotation. Only non-sensitive
// identifiers are carried; the new secret stays inside the vault.
type RotationResult struct {
	Environment  string
	OldKeyPrefix string
	NewKeyPrefix string
	RotatedAt    time.Time
}

// Rotate obtains a fresh key pair for environment, verifies it against the
// live API, persists the updated store, and swaps the in-memory snapshot.
// The old pair is only discarded after the new one has proven to work, so a
// failed rotation leaves the vault fully usable.
func (v *Vault) Rotate(ctx context.Context, environment string) (RotationResult, error) {
	if v.issuer == nil {
		return RotationResult{}, fmt.Errorf("rotate: no key issuer configured")
	}
	if v.prober == nil {
		return RotationResult{}, fmt.Errorf("rotate: no prober configured")
	}

	current, err := v.Credentials(environment)
	if err != nil {
		return RotationResult{}, err
	}
	environment = current.Environment

	apiKey, secretKey, err := v.issuer.IssueKeys(ctx, environment)
	if err != nil {
		return RotationResult{}, fmt.Errorf("rotate %s: issue keys: %w", environment, err)
	}
	if apiKey == "" || secretKey == "" {
		return RotationResult{}, fmt.Errorf("rotate %s: issuer returned empty key pair", environment)
	}

	candidate := Credentials{
		Environment: environment,
		APIKey:      apiKey,
		Endpoint:    current.Endpoint,
		Timeout:     current.Timeout,
		Retries:     current.Retries,
		secret:      memguard.NewBufferFromBytes([]byte(secretKey)),
	}

	if err := v.probeWithRetry(ctx, candidate); err != nil {
		candidate.secret.Destroy()
		return RotationResult{}, fmt.Errorf("rotate %s: new pair failed verification: %w", environment, err)
	}

	v.mu.Lock()
	updated := v.config
	envCfg := updated.Environments[environment]
	envCfg.APIKey = apiKey
	envCfg.SecretKey = secretKey
	updated.Environments[environment] = envCfg

	if err := SaveStore(v.path, v.passphrase.Bytes(), updated); err != nil {
		v.mu.Unlock()
		candidate.secret.Destroy()
		return RotationResult{}, fmt.Errorf("rotate %s: persist store: %w", environment, err)
	}

	old := v.byEnv[environment]
	v.config = updated
	v.byEnv[environment] = candidate
	if environment == v.active {
		active := candidate
		v.snapshot.Store(&active)
	}
	// Old secrets stay alive until Close so in-flight signing calls that
	// captured the previous snapshot keep a valid buffer.
	if old.secret != nil {
		v.retired = append(v.retired, old.secret)
	}
	v.mu.Unlock()

	return RotationResult{
		Environment:  environment,
		OldKeyPrefix: old.KeyPrefix(),
		NewKeyPrefix: candidate.KeyPrefix(),
		RotatedAt:    time.Now().UTC(),
	}, nil
}

// Validate probes the live API with the environment's credentials. Network
// failures are retried with backoff up to the environment's retry budget;
// an authentication rejection fails immediately.
func (v *Vault) Validate(ctx context.Context, environment string) error {
	if v.prober == nil {
		return fmt.Errorf("validate: no prober configured")
	}
	creds, err := v.Credentials(environment)
	if err != nil {
		return err
	}
	return v.probeWithRetry(ctx, creds)
}

func (v *Vault) probeWithRetry(ctx context.Context, creds Credentials) error {
	attempts := creds.Retries
	if attempts <= 0 {
		attempts = DefaultRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := v.prober.Probe(ctx, creds)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
		lastErr = err
		if attempt < attempts {
			v.sleep(backoff(attempt))
		}
	}
	if errors.Is(lastErr, ErrNetwork) {
		return fmt.Errorf("probe failed after %d attempts: %w", attempts, lastErr)
	}
	return fmt.Errorf("probe failed after %d attempts: %w: %v", attempts, ErrNetwork, lastErr)
}

// backoff doubles per attempt: 250ms, 500ms, 1s, capped at 5s.
func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
