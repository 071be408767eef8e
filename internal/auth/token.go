// Package auth mints and verifies the signed tokens broadcast subscribers
// present in their first message.
package auth

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/blake2b"
)

// Permission is a capability granted by a token.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

var (
	ErrMalformed      = errors.New("malformed token")
	ErrBadSignature   = errors.New("invalid token signature")
	ErrExpired        = errors.New("token expired")
	ErrMissingSubject = errors.New("token has no client id")
	ErrUnknownPerm    = errors.New("unknown permission")
)

// MinSecretLen is the shortest signing secret accepted.
const MinSecretLen = 16

// Claims is the signed token payload.
type Claims struct {
	Subject     string       `json:"sub"`
	Permissions []Permission `json:"perms"`
	ExpiresAt   int64        `json:"exp"`
}

// Has reports whether the claims grant p.
func (c Claims) Has(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// Expiry returns the expiry as a time.
func (c Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Signer mints and verifies tokens of the form
// base64url(payload) "." base64url(BLAKE2b-256 keyed MAC of payload).
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a signer. BLAKE2b accepts keys of up to 64 bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLen)
	}
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("token secret must be at most %d bytes", blake2b.Size)
	}
	return &Signer{key: append([]byte(nil), secret...), now: time.Now}, nil
}

// Mint returns a token for subject with the given permissions, valid for ttl.
func (s *Signer) Mint(subject string, perms []Permission, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrMissingSubject
	}
	for _, p := range perms {
		if p != PermRead && p != PermWrite {
			return "", fmt.Errorf("%w %q", ErrUnknownPerm, p)
		}
	}
	payload, err := sonnet.Marshal(Claims{
		Subject:     subject,
		Permissions: perms,
		ExpiresAt:   s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	mac, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(mac), nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (s *Signer) Verify(token string) (Claims, error) {
	encPayload, encMAC, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encPayload == "" || encMAC == "" {
		return Claims{}, ErrMalformed
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(encPayload)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	got, err := enc.DecodeString(encMAC)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	want, err := s.mac(payload)
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return Claims{}, ErrBadSignature
	}

	var claims Claims
	dec := sonnet.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if claims.Subject == "" {
		return Claims{}, ErrMissingSubject
	}
	for _, p := range claims.Permissions {
		if p != PermRead && p != PermWrite {
			return Claims{}, fmt.Errorf("%w %q", ErrUnknownPerm, p)
		}
	}
	if !s.now().Before(claims.Expiry()) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func (s *Signer) mac(payload []byte) ([]byte, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return nil, err
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// ParsePermissions parses a comma separated permission list.
func ParsePermissions(s string) ([]Permission, error) {
	var perms []Permission
	for _, part := range strings.Split(s, ",") {
		p := Permission(strings.ToLower(strings.TrimSpace(part)))
		if p == "" {
			continue
		}
		if p != PermRead && p != PermWrite {
			return nil, fmt.Errorf("%w %q", ErrUnknownPerm, p)
		}
		perms = append(perms, p)
	}
	return perms, nil
}
