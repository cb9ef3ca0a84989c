// Package secrets resolves token values that may be written as references
// to the environment or a file instead of inline.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// IsRef reports whether value uses one of the reference schemes env:, file:
// or raw:. Anything else is an inline literal.
func IsRef(value string) bool {
	v := strings.TrimSpace(value)
	return strings.HasPrefix(v, "env:") || strings.HasPrefix(v, "file:") || strings.HasPrefix(v, "raw:")
}

// ValidateRef checks the shape of a reference without reading it. Inline
// literals are always valid.
func ValidateRef(value string) error {
	_, _, err := split(value)
	return err
}

// Resolve returns the secret a value stands for:
//   - env:NAME reads an environment variable
//   - file:/path reads a file and trims surrounding whitespace
//   - raw:literal returns literal as is
//   - anything else is returned trimmed
func Resolve(value string) (string, error) {
	scheme, arg, err := split(value)
	if err != nil {
		return "", err
	}
	switch scheme {
	case "env":
		v := os.Getenv(arg)
		if v == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, arg)
		}
		return v, nil
	case "file":
		b, err := os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, arg)
		}
		return v, nil
	default:
		return arg, nil
	}
}

// ResolveAll resolves every value and drops none; the first failure is
// returned with its index.
func ResolveAll(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		s, err := Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func split(value string) (scheme, arg string, err error) {
	v := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(v, "env:"):
		arg = strings.TrimSpace(strings.TrimPrefix(v, "env:"))
		if arg == "" {
			return "", "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		return "env", arg, nil
	case strings.HasPrefix(v, "file:"):
		arg = strings.TrimSpace(strings.TrimPrefix(v, "file:"))
		if arg == "" {
			return "", "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		return "file", arg, nil
	case strings.HasPrefix(v, "raw:"):
		arg = strings.TrimPrefix(v, "raw:")
		if arg == "" {
			return "", "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return "raw", arg, nil
	default:
		return "", v, nil
	}
}
