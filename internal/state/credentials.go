// File: internal/state/credentials.go
package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Credentials are the login pair for the rewards site. They are stored
// obfuscated, not encrypted: the goal is to keep them out of casual greps of
// the data file, nothing more.
type Credentials struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the stored credentials are past their expiry.
func (c Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

var obfuscationKey = []byte("coinloop.v1")

func obfuscate(plain string) string {
	data := []byte(plain)
	for i := range data {
		data[i] ^= obfuscationKey[i%len(obfuscationKey)]
	}
	return base64.StdEncoding.EncodeToString(data)
}

func deobfuscate(enc string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	for i := range data {
		data[i] ^= obfuscationKey[i%len(obfuscationKey)]
	}
	return string(data), nil
}

// SaveCredentials persists the obfuscated login pair.
func (s *Store) SaveCredentials(ctx context.Context, creds Credentials) error {
	record := Credentials{
		Username:  obfuscate(creds.Username),
		Password:  obfuscate(creds.Password),
		ExpiresAt: creds.ExpiresAt,
	}
	raw, err := json.MarshalToString(record)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return s.kv.Set(ctx, keyCredentials, raw)
}

// LoadCredentials returns the stored login pair. The second return value
// reports whether usable (present and unexpired) credentials were found.
func (s *Store) LoadCredentials(ctx context.Context) (Credentials, bool, error) {
	raw, ok, err := s.kv.Get(ctx, keyCredentials)
	if err != nil || !ok {
		return Credentials{}, false, err
	}

	var record Credentials
	if err := json.UnmarshalFromString(raw, &record); err != nil {
		return Credentials{}, false, fmt.Errorf("failed to parse credentials: %w", err)
	}

	username, err := deobfuscate(record.Username)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("failed to decode credentials: %w", err)
	}
	password, err := deobfuscate(record.Password)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("failed to decode credentials: %w", err)
	}

	creds := Credentials{Username: username, Password: password, ExpiresAt: record.ExpiresAt}
	if creds.Expired() {
		return Credentials{}, false, nil
	}
	return creds, true, nil
}

// ClearCredentials removes the stored login pair.
func (s *Store) ClearCredentials(ctx context.Context) error {
	return s.kv.Delete(ctx, keyCredentials)
}
