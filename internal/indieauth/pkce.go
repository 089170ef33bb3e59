// Package indieauth implements the IndieAuth authorization server: the
// OAuth2 authorization code grant with PKCE, token refresh, introspection,
// revocation, and the userinfo endpoint, tailored for IndieWeb profile
// identity.
package indieauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// SupportedChallengeMethods is what the server advertises and accepts on
// authorization requests.
var SupportedChallengeMethods = []string{"S256"}

// S256Challenge computes base64url(sha256(verifier)) with padding stripped.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code verifier against the stored challenge. The plain
// method compares directly; it is accepted at verification time for codes
// that were stored with it even though new requests only get S256.
func VerifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		computed := S256Challenge(verifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
