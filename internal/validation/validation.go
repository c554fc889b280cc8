// Package validation provides input validation for contratweak.
package validation

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Project name validation
// Simple names: lowercase alphanumeric with hyphens, 2-64 chars
var projectNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}[a-z0-9]$`)

// ValidateProjectName validates a registered project name
func ValidateProjectName(name string) error {
	if len(name) < 2 {
		return errors.New("project name too short (min 2 chars)")
	}
	if len(name) > 64 {
		return errors.New("project name too long (max 64 chars)")
	}
	if !projectNameRegex.MatchString(name) {
		return errors.New("invalid project name: must be lowercase alphanumeric with hyphens, starting with a letter")
	}
	// Prevent path traversal and consecutive hyphens
	if strings.Contains(name, "..") || strings.Contains(name, "--") {
		return errors.New("invalid characters in project name")
	}
	return nil
}

// ValidateCompilerVersion validates a solc version such as "0.8.20" or
// "v0.8.20+commit.a1b25a1b".
func ValidateCompilerVersion(v string) error {
	normalized := strings.TrimPrefix(strings.TrimSpace(v), "v")
	if normalized == "" {
		return errors.New("compiler version cannot be empty")
	}

	// semver library expects version to start with 'v'
	if !semver.IsValid("v" + normalized) {
		return errors.New("invalid compiler version: must be in format X.Y.Z[+commit.hash]")
	}

	mainPart := strings.SplitN(strings.SplitN(normalized, "+", 2)[0], "-", 2)[0]
	if strings.Count(mainPart, ".") < 2 {
		return errors.New("invalid compiler version: must be in format X.Y.Z (major.minor.patch)")
	}
	return nil
}

// NormalizeCompilerVersion strips the leading 'v' and any build suffix,
// producing the form forge accepts for --use.
func NormalizeCompilerVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	return v
}

// SupportsImmutables reports whether solc v emits immutable references
// (introduced in 0.6.5).
func SupportsImmutables(v string) bool {
	return semver.Compare("v"+NormalizeCompilerVersion(v), "v0.6.5") >= 0
}

// ValidateAddress validates an Ethereum address
func ValidateAddress(addr string) error {
	if len(addr) != 42 {
		return errors.New("invalid address length: must be 42 characters (0x + 40 hex)")
	}
	if !strings.HasPrefix(addr, "0x") {
		return errors.New("invalid address: must start with 0x")
	}
	for _, c := range addr[2:] {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return errors.New("invalid address: contains non-hex characters")
		}
	}
	return nil
}

// ValidateChainID validates a chain ID
func ValidateChainID(chainID uint64) error {
	if chainID == 0 {
		return errors.New("chain ID must be positive")
	}
	return nil
}

// ValidateRPCURL validates a JSON-RPC endpoint URL
func ValidateRPCURL(raw string) error {
	if raw == "" {
		return errors.New("rpc url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid rpc url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("rpc url must use http, https, ws or wss")
	}
	if u.Host == "" {
		return errors.New("rpc url has no host")
	}
	return nil
}
