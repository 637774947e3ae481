package vault

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	gatewaycrypto "github.com/mozg31337/cloudstack-mcp-server-sub000/internal/crypto"
)

const (
	storeAlgorithm    = "aes-256-gcm"
	storeKDF          = "pbkdf2-sha256"
	storeFileMode     = 0o600
	storeDirMode      = 0o700
	storeAAD          = "cloudstack-credential-store:v1"
	maxStoreSizeBytes = 1 << 20
)

// EnvironmentConfig is the stored credential record for one CloudStack
// environment.
type EnvironmentConfig struct {
	APIKey         string `json:"apiKey"`
	SecretKey      string `json:"secretKey"`
	Endpoint       string `json:"apiUrl"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	Retries        int    `json:"retries,omitempty"`
}

// StoreConfig is the plaintext payload of the credential store.
type StoreConfig struct {
	Default      string                       `json:"default"`
	Environments map[string]EnvironmentConfig `json:"environments"`
}

func (c StoreConfig) validate() error {
	if len(c.Environments) == 0 {
		return fmt.Errorf("%w: no environments defined", ErrConfig)
	}
	if c.Default == "" {
		return fmt.Errorf("%w: default environment not set", ErrConfig)
	}
	if _, ok := c.Environments[c.Default]; !ok {
		return fmt.Errorf("%w: default environment %q not defined", ErrConfig, c.Default)
	}
	for name, env := range c.Environments {
		if env.APIKey == "" {
			return fmt.Errorf("%w: environment %q missing api key", ErrConfig, name)
		}
		if env.SecretKey == "" {
			return fmt.Errorf("%w: environment %q missing secret key", ErrConfig, name)
		}
		if env.Endpoint == "" {
			return fmt.Errorf("%w: environment %q missing api url", ErrConfig, name)
		}
	}
	return nil
}

// storeDocument is the on-disk envelope. All binary fields are hex encoded.
type storeDocument struct {
	Encrypted     string        `json:"encrypted"`
	IV            string        `json:"iv"`
	Salt          string        `json:"salt"`
	Algorithm     string        `json:"algorithm"`
	KeyDerivation keyDerivation `json:"keyDerivation"`
}

type keyDerivation struct {
	Function   string `json:"function"`
	Iterations int    `json:"iterations"`
	SaltLength int    `json:"saltLength"`
}

func loadStore(path string, passphrase []byte) (StoreConfig, error) {
	if len(passphrase) == 0 {
		return StoreConfig{}, fmt.Errorf("%w: empty passphrase", ErrConfig)
	}
	info, err := os.Stat(path)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if info.Size() > maxStoreSizeBytes {
		return StoreConfig{}, fmt.Errorf("%w: store file too large", ErrConfig)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var doc storeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StoreConfig{}, fmt.Errorf("%w: malformed store document: %v", ErrConfig, err)
	}
	if doc.Algorithm != storeAlgorithm {
		return StoreConfig{}, fmt.Errorf("%w: unsupported algorithm %q", ErrConfig, doc.Algorithm)
	}
	if doc.KeyDerivation.Function != storeKDF {
		return StoreConfig{}, fmt.Errorf("%w: unsupported key derivation %q", ErrConfig, doc.KeyDerivation.Function)
	}

	ciphertext, err := hex.DecodeString(doc.Encrypted)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: undecodable ciphertext: %v", ErrConfig, err)
	}
	iv, err := hex.DecodeString(doc.IV)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: undecodable iv: %v", ErrConfig, err)
	}
	salt, err := hex.DecodeString(doc.Salt)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: undecodable salt: %v", ErrConfig, err)
	}

	params := gatewaycrypto.PBKDF2Params{
		Iterations: doc.KeyDerivation.Iterations,
		SaltLen:    len(salt),
		KeyLen:     gatewaycrypto.KeySize,
	}
	if err := params.Validate(); err != nil {
		return StoreConfig{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	key, err := gatewaycrypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	plaintext, err := gatewaycrypto.OpenAESGCM(key, iv, ciphertext, []byte(storeAAD))
	if err != nil {
		if errors.Is(err, gatewaycrypto.ErrAuthenticationFailed) {
			return StoreConfig{}, fmt.Errorf("%w: wrong passphrase or tampered store", ErrDecryption)
		}
		return StoreConfig{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var config StoreConfig
	if err := json.Unmarshal(plaintext, &config); err != nil {
		return StoreConfig{}, fmt.Errorf("%w: malformed credential payload: %v", ErrConfig, err)
	}
	return config, nil
}

// SaveStore encrypts config under passphrase with a fresh salt and IV, then
// writes the envelope atomically with owner-only permissions. An interrupted
// write never leaves a partial store behind.
func SaveStore(path string, passphrase []byte, config StoreConfig) error {
	if len(passphrase) == 0 {
		return fmt.Errorf("%w: empty passphrase", ErrConfig)
	}
	if err := config.validate(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode credential payload: %w", err)
	}

	params := gatewaycrypto.DefaultPBKDF2Params()
	salt, err := gatewaycrypto.GenerateSalt(params.SaltLen)
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := gatewaycrypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return fmt.Errorf("derive store key: %w", err)
	}
	iv, err := gatewaycrypto.RandomIV()
	if err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}
	ciphertext, err := gatewaycrypto.SealAESGCM(key, iv, plaintext, []byte(storeAAD))
	if err != nil {
		return fmt.Errorf("encrypt credential store: %w", err)
	}

	doc := storeDocument{
		Encrypted: hex.EncodeToString(ciphertext),
		IV:        hex.EncodeToString(iv),
		Salt:      hex.EncodeToString(salt),
		Algorithm: storeAlgorithm,
		KeyDerivation: keyDerivation{
			Function:   storeKDF,
			Iterations: params.Iterations,
			SaltLength: params.SaltLen,
		},
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store document: %w", err)
	}
	encoded = append(encoded, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(storeFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("restrict temp store permissions: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// Environment variable overrides always win over stored values. Only the
// default environment is affected.
const (
	envAPIKey    = "CLOUDSTACK_API_KEY"
	envSecretKey = "CLOUDSTACK_SECRET_KEY"
	envAPIURL    = "CLOUDSTACK_API_URL"
	envTimeout   = "CLOUDSTACK_TIMEOUT"
	envRetries   = "CLOUDSTACK_RETRIES"
)

func applyEnvOverrides(config *StoreConfig, lookup func(string) (string, bool)) {
	if config.Environments == nil {
		config.Environments = map[string]EnvironmentConfig{}
	}
	name := config.Default
	if name == "" {
		name = "default"
		config.Default = name
	}
	env := config.Environments[name]

	if value, ok := lookup(envAPIKey); ok && value != "" {
		env.APIKey = value
	}
	if value, ok := lookup(envSecretKey); ok && value != "" {
		env.SecretKey = value
	}
	if value, ok := lookup(envAPIURL); ok && value != "" {
		env.Endpoint = value
	}
	if value, ok := lookup(envTimeout); ok && value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			env.TimeoutSeconds = seconds
		}
	}
	if value, ok := lookup(envRetries); ok && value != "" {
		if retries, err := strconv.Atoi(value); err == nil && retries > 0 {
			env.Retries = retries
		}
	}

	config.Environments[name] = env
}
