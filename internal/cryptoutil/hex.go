// Package cryptoutil holds helpers shared by the credential vault, the audit
// signer and config validation when they interpret key material.
package cryptoutil

// IsHexString reports whether s consists entirely of hexadecimal characters.
// It returns true for an empty string; callers check length separately.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
