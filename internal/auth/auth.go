// Package auth implements the tunnel server's handshake token check.
package auth

import "crypto/subtle"

// TokensEqual reports whether got matches want using a length check
// followed by a constant-time byte comparison, so the check's timing
// doesn't leak how many leading bytes of a guessed token were correct.
// The length comparison itself is not constant-time, which is standard
// practice: token length is not secret.
func TokensEqual(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
