package model

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Credentials holds the protocol's long-lived cryptographic identity for one
// channel. The key material is opaque to this subsystem; it is generated once,
// handed to the protocol client on every connect, and rotated by the client
// through credential-update events.
type Credentials struct {
	RegistrationID uint32 `json:"registrationId"`
	NoiseKey       []byte `json:"noiseKey"`
	IdentityKey    []byte `json:"identityKey"`
	SignedPreKey   []byte `json:"signedPreKey"`
	AdvSecretKey   []byte `json:"advSecretKey"`

	// Populated by the protocol client after pairing completes.
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
}

// NewCredentials synthesizes fresh credentials for a channel that has never
// paired. The protocol client fills in the pairing identity later.
func NewCredentials() (*Credentials, error) {
	noise, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	identity, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	signedPre, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	advSecret, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	var regID [4]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, fmt.Errorf("generating registration id: %w", err)
	}

	return &Credentials{
		// Registration IDs are 14-bit per the protocol's pairing handshake.
		RegistrationID: binary.BigEndian.Uint32(regID[:]) & 0x3fff,
		NoiseKey:       noise,
		IdentityKey:    identity,
		SignedPreKey:   signedPre,
		AdvSecretKey:   advSecret,
	}, nil
}

// Paired reports whether the credentials carry a completed pairing identity.
func (c *Credentials) Paired() bool {
	return c != nil && c.PhoneNumber != ""
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return b, nil
}
