package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPBKDF2Iterations = 100_000
	DefaultPBKDF2SaltLen    = 16
	DefaultPBKDF2KeyLen     = KeySize
	MinPBKDF2Iterations     = 100_000
)

var ErrInvalidPBKDF2Params = errors.New("invalid pbkdf2 parameters")

type PBKDF2Params struct {
	Iterations int
	SaltLen    int
	KeyLen     int
}

func DefaultPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{
		Iterations: DefaultPBKDF2Iterations,
		SaltLen:    DefaultPBKDF2SaltLen,
		KeyLen:     DefaultPBKDF2KeyLen,
	}
}

func (p PBKDF2Params) Validate() error {
	switch {
	case p.Iterations < MinPBKDF2Iterations:
		return fmt.Errorf("%w: iterations must be >= %d", ErrInvalidPBKDF2Params, MinPBKDF2Iterations)
	case p.SaltLen < 16:
		return fmt.Errorf("%w: salt length must be >= 16", ErrInvalidPBKDF2Params)
	case p.KeyLen != KeySize:
		return fmt.Errorf("%w: key length must be %d", ErrInvalidPBKDF2Params, KeySize)
	default:
		return nil
	}
}

// DeriveKey derives an AES-256 key from a passphrase using
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase, salt []byte, params PBKDF2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidPBKDF2Params)
	}
	if len(salt) < params.SaltLen {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidPBKDF2Params, params.SaltLen)
	}

	return pbkdf2.Key(passphrase, salt, params.Iterations, params.KeyLen, sha256.New), nil
}
