package database

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CredentialScheme decides how passwords are stored and compared
type CredentialScheme interface {
	Name() string
	Hash(password string) (string, error)
	Verify(stored, password string) bool
}

// PlainCredentials stores passwords as given. Databases written by the
// original messenger hold plaintext passwords, so this scheme keeps them usable.
type PlainCredentials struct{}

func (PlainCredentials) Name() string { return "plain" }

func (PlainCredentials) Hash(password string) (string, error) { return password, nil }

func (PlainCredentials) Verify(stored, password string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// BcryptCredentials stores bcrypt hashes
type BcryptCredentials struct {
	Cost int
}

func (BcryptCredentials) Name() string { return "bcrypt" }

func (b BcryptCredentials) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (BcryptCredentials) Verify(stored, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ErrUnknownCredentialScheme is returned by CredentialSchemeByName
var ErrUnknownCredentialScheme = errors.New("unknown password scheme")

// CredentialSchemeByName maps a config value to a scheme
func CredentialSchemeByName(name string) (CredentialScheme, error) {
	switch name {
	case "", "bcrypt":
		return BcryptCredentials{}, nil
	case "plain":
		return PlainCredentials{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCredentialScheme, name)
	}
}

// matchCredentials applies the one-row rule to the stored passwords found for a username
func matchCredentials(scheme CredentialScheme, stored []string, password string) error {
	var matches int
	for _, s := range stored {
		if scheme.Verify(s, password) {
			matches++
		}
	}
	switch {
	case matches == 1:
		return nil
	case matches == 0:
		return ErrInvalidCredentials
	default:
		return ErrAmbiguousUser
	}
}
