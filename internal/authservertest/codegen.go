package authservertest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/wrale/authflow/internal/validation"
)

// randomHex reads n random bytes and returns them hex encoded, so the result
// is 2*n characters long.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// randomIndex returns a uniform index below n, which must be in [1, 256].
// Bytes at or above the largest multiple of n are redrawn.
func randomIndex(n int) (int, error) {
	limit := 256 - 256%n
	var b [1]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("reading random byte: %w", err)
		}
		if int(b[0]) < limit {
			return int(b[0]) % n, nil
		}
	}
}

// newUserCode returns a user code in display form (BCDF-GHJK). No character
// appears more than twice.
func newUserCode() (string, error) {
	const maxAttempts = 100
	charset := []rune(validation.ValidCharset)
	size := 2 * validation.MinGroupSize

	for range maxAttempts {
		used := make(map[rune]int, size)
		raw := make([]rune, 0, size)
		for len(raw) < size {
			available := slices.DeleteFunc(slices.Clone(charset), func(c rune) bool { return used[c] >= 2 })
			i, err := randomIndex(len(available))
			if err != nil {
				return "", err
			}
			raw = append(raw, available[i])
			used[available[i]]++
		}

		code := validation.FormatCode(string(raw))
		if validation.ValidateUserCode(code) == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("no valid user code after %d attempts", maxAttempts)
}
