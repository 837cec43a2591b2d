// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps credentials (gateway API keys, search provider keys)
// in memguard enclaves so they are encrypted at rest in process memory and
// only decrypted into locked buffers for the duration of a single use.
//
// # Thread Safety
//
// Secret is safe for concurrent use.
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

var interruptOnce sync.Once

// Secret is one credential held in an enclave.
type Secret struct {
	enclave *memguard.Enclave
	id      string
}

// New seals value into an enclave. Returns nil for an empty value.
//
// # Description
//
// The first call installs memguard's interrupt handler so locked memory is
// wiped on SIGINT/SIGTERM. The returned ID is a short fingerprint that can
// be logged or stored instead of the credential.
func New(value string) *Secret {
	if value == "" {
		return nil
	}
	interruptOnce.Do(memguard.CatchInterrupt)

	sum := sha256.Sum256([]byte(value))
	return &Secret{
		enclave: memguard.NewEnclave([]byte(value)),
		id:      hex.EncodeToString(sum[:])[:12],
	}
}

// ID returns the credential fingerprint.
func (s *Secret) ID() string {
	return s.id
}

// Use decrypts the secret into a locked buffer, passes it to fn and destroys
// the buffer afterwards. fn must not retain the slice.
func (s *Secret) Use(fn func(plaintext []byte) error) error {
	if s == nil {
		return errors.New("secret is not set")
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Equal compares candidate against the secret in constant time.
func (s *Secret) Equal(candidate []byte) bool {
	if s == nil {
		return false
	}
	buf, err := s.enclave.Open()
	if err != nil {
		slog.Error("open secret enclave", "secret_id", s.id, "error", err)
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo(candidate)
}

// Set is a collection of secrets matched by value.
type Set []*Secret

// NewSet seals every non-empty value.
func NewSet(values []string) Set {
	set := make(Set, 0, len(values))
	for _, v := range values {
		if s := New(v); s != nil {
			set = append(set, s)
		}
	}
	return set
}

// Match returns the secret equal to candidate.
func (s Set) Match(candidate string) (*Secret, bool) {
	if candidate == "" {
		return nil, false
	}
	// Compare against every entry so timing does not reveal the position.
	var found *Secret
	for _, sec := range s {
		if sec.Equal([]byte(candidate)) && found == nil {
			found = sec
		}
	}
	return found, found != nil
}

// Purge wipes all memguard memory. Call once during shutdown.
func Purge() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
