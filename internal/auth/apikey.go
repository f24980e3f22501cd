// ABOUTME: Static API key check against a bcrypt hash from configuration
// ABOUTME: Lets scripts call the API with X-API-Key instead of a JWT

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned when the presented key does not match.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyChecker compares presented keys against one bcrypt hash.
type APIKeyChecker struct {
	hash []byte
}

// NewAPIKeyChecker validates that hash is a bcrypt hash.
func NewAPIKeyChecker(hash string) (*APIKeyChecker, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parsing api key hash: %w", err)
	}
	return &APIKeyChecker{hash: []byte(hash)}, nil
}

// Check returns nil when key matches.
func (c *APIKeyChecker) Check(key string) error {
	if key == "" {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

// HashAPIKey produces the value to put in auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}
