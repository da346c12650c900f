// Package pkce generates and checks RFC 7636 code verifiers and challenges.
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

// Method is the code_challenge_method.
type Method string

const (
	MethodS256  Method = "S256"
	MethodPlain Method = "plain"
)

const (
	MinVerifierLength     = 43
	MaxVerifierLength     = 128
	DefaultVerifierLength = 64
)

// unreserved characters per RFC 7636 section 4.1
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var (
	ErrUnsupportedMethod = errors.New("unsupported PKCE method")
	ErrInvalidVerifier   = errors.New("invalid PKCE code verifier")
)

// Material is a verifier with its derived challenge. The challenge cannot be
// set independently of the verifier.
type Material struct {
	verifier  string
	challenge string
	method    Method
}

func (m Material) Verifier() string  { return m.verifier }
func (m Material) Challenge() string { return m.challenge }
func (m Material) Method() Method    { return m.method }

// Supported reports whether the engine can derive challenges for method.
func (m Method) Supported() bool {
	return m == MethodS256 || m == MethodPlain
}

// New wraps an existing verifier.
func New(verifier string, method Method) (Material, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return Material{}, err
	}
	challenge, err := Challenge(verifier, method)
	if err != nil {
		return Material{}, err
	}
	return Material{verifier: verifier, challenge: challenge, method: method}, nil
}

// Generate draws a verifier of the given length from r. The same bytes from r
// always produce the same Material.
func Generate(r io.Reader, method Method, length int) (Material, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return Material{}, fmt.Errorf("%w: length %d outside [%d,%d]",
			ErrInvalidVerifier, length, MinVerifierLength, MaxVerifierLength)
	}
	if !method.Supported() {
		return Material{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	verifier, err := randomString(r, length)
	if err != nil {
		return Material{}, fmt.Errorf("generating code verifier: %w", err)
	}
	return New(verifier, method)
}

// Challenge derives the code_challenge for verifier.
func Challenge(verifier string, method Method) (string, error) {
	switch method {
	case MethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case MethodPlain:
		return verifier, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
}

// Verify reports whether challenge was derived from verifier with method.
func Verify(verifier, challenge string, method Method) bool {
	if ValidateVerifier(verifier) != nil {
		return false
	}
	want, err := Challenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(challenge)) == 1
}

// ValidateVerifier checks length and character set.
func ValidateVerifier(verifier string) error {
	if n := len(verifier); n < MinVerifierLength || n > MaxVerifierLength {
		return fmt.Errorf("%w: length %d outside [%d,%d]",
			ErrInvalidVerifier, n, MinVerifierLength, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: character %q at %d", ErrInvalidVerifier, verifier[i], i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// randomString selects characters from the unreserved set, rejecting bytes
// that would bias the modulo.
func randomString(r io.Reader, length int) (string, error) {
	const limit = 256 - (256 % len(unreservedChars))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, unreservedChars[int(b)%len(unreservedChars)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
