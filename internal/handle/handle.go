// Package handle parses and validates encrypted-value handles: the opaque
// ciphertext references bidders attach to a sealed bid. The engine never
// looks inside the ciphertext — it only checks the envelope is well formed
// before accepting a submission, so malformed bids are rejected up front
// instead of failing asynchronously at reveal time.
package handle

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope version understood by this engine.
const Version = 1

// Supported ciphertext schemes. SchemePlaintext is the dev/test loopback
// where the payload is the decimal value itself; SchemeTFHE marks handles
// that only the external confidential-computation service can open.
const (
	SchemePlaintext = "plaintext"
	SchemeTFHE      = "tfhe"
)

var validSchemes = map[string]bool{
	SchemePlaintext: true,
	SchemeTFHE:      true,
}

var (
	ErrInvalidEnvelope = errors.New("handle: invalid envelope encoding")
	ErrInvalidScheme   = errors.New("handle: unsupported ciphertext scheme")
	ErrEmptyPayload    = errors.New("handle: empty ciphertext payload")
)

// Envelope is the decoded form of a handle: a versioned CBOR wrapper
// around a ciphertext payload.
type Envelope struct {
	Version int    `cbor:"1,keyasint"`
	Scheme  string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

// Parse decodes and validates a handle string (base64 of a CBOR envelope).
func Parse(h string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if env.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidEnvelope, env.Version)
	}
	if !validSchemes[env.Scheme] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, env.Scheme)
	}
	if len(env.Payload) == 0 {
		return nil, ErrEmptyPayload
	}

	return &env, nil
}

// Encode packs an envelope back into its handle string form.
func Encode(env *Envelope) (string, error) {
	raw, err := cbor.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("handle: encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Loopback builds a plaintext-scheme handle carrying the given value.
// Used by the local decryptor path and by tests; production handles come
// from the bidder's FHE client library.
func Loopback(value string) (string, error) {
	return Encode(&Envelope{
		Version: Version,
		Scheme:  SchemePlaintext,
		Payload: []byte(value),
	})
}
