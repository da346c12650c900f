// Package validation checks values that cross a trust boundary: endpoint
// URLs from configuration, fields returned by an authorization server, and
// user codes issued per RFC 8628 section 6.1.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// User code issuance settings
const (
	MinLength    = 8  // Minimum total length excluding separator
	MaxLength    = 12 // Maximum total length excluding separator
	MinGroupSize = 4  // Minimum characters per group
	MinEntropy   = 2  // Minimum required entropy bits

	// MaxDisplayCodeLength bounds a user code received from a server.
	MaxDisplayCodeLength = 64
)

// ValidCharset contains the allowed characters for issued user codes
const ValidCharset = "BCDFGHJKLMNPQRSTVWXZ" // Excludes vowels and similar-looking characters

var (
	charsetPattern = fmt.Sprintf("[%s]", ValidCharset)
	codeRegex      = regexp.MustCompile(fmt.Sprintf("^%s{%d}-%s{%d}$",
		charsetPattern, MinGroupSize, charsetPattern, MinGroupSize))
)

// ValidationError names the offending value and why it was rejected.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// ValidateEndpoint requires an absolute http or https URL with a host.
func ValidateEndpoint(field, raw string) error {
	if raw == "" {
		return &ValidationError{Field: field, Value: raw, Message: "must not be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: field, Value: raw, Message: err.Error()}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &ValidationError{Field: field, Value: raw, Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: field, Value: raw, Message: "must be an absolute URL"}
	}
	if u.Fragment != "" {
		return &ValidationError{Field: field, Value: raw, Message: "must not contain a fragment"}
	}
	return nil
}

// ValidateDisplayCode checks a user code received from an authorization
// server before it is shown to a person. Servers choose their own alphabet,
// so only length and printability are enforced.
func ValidateDisplayCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return &ValidationError{Field: "user_code", Value: code, Message: "must not be empty"}
	}
	if len(code) > MaxDisplayCodeLength {
		return &ValidationError{
			Field:   "user_code",
			Value:   code[:MaxDisplayCodeLength],
			Message: fmt.Sprintf("longer than %d bytes", MaxDisplayCodeLength),
		}
	}
	for _, r := range code {
		if !unicode.IsPrint(r) {
			return &ValidationError{Field: "user_code", Value: code, Message: "contains non-printable characters"}
		}
	}
	return nil
}

// ValidateUserCode checks that an issued code meets RFC 8628 section 6.1
// requirements.
func ValidateUserCode(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	baseCode := strings.ReplaceAll(code, "-", "")
	if len(baseCode) < MinLength || len(baseCode) > MaxLength {
		return &ValidationError{
			Field:   "user_code",
			Value:   code,
			Message: fmt.Sprintf("length must be between %d and %d characters", MinLength, MaxLength),
		}
	}

	if !codeRegex.MatchString(code) {
		return &ValidationError{
			Field:   "user_code",
			Value:   code,
			Message: "code must be in format XXXX-XXXX using only allowed characters",
		}
	}

	charCounts := make(map[rune]int)
	maxAllowedRepeats := (len(baseCode) / 2) + 1
	for _, char := range baseCode {
		charCounts[char]++
		if charCounts[char] > maxAllowedRepeats {
			return &ValidationError{Field: "user_code", Value: code, Message: "too many repeated characters"}
		}
	}

	if entropy := calculateEntropy(baseCode); entropy < MinEntropy {
		return &ValidationError{
			Field:   "user_code",
			Value:   code,
			Message: fmt.Sprintf("code entropy %.2f bits is below required minimum %d bits", entropy, MinEntropy),
		}
	}

	return nil
}

// calculateEntropy returns the Shannon entropy of code in bits
func calculateEntropy(code string) float64 {
	if code == "" {
		return 0
	}

	freqs := make(map[rune]int)
	for _, char := range code {
		freqs[char]++
	}

	length := float64(len(code))
	entropy := 0.0
	for _, count := range freqs {
		prob := float64(count) / length
		entropy -= prob * math.Log2(prob)
	}

	return entropy
}

// NormalizeCode converts a user code to canonical lookup form
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// FormatCode converts a normalized code back to display format
func FormatCode(code string) string {
	if len(code) < MinLength {
		return code
	}
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}
