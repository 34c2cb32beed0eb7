// Package auth decides whether WebSocket clients may subscribe to pub/sub
// channels. The gateway consults a single predicate; deployments pick the
// implementation through configuration.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

// SubscribeAuthorizer admits or rejects one subscribe request. Token is
// the optional credential carried in the subscribe frame; channels are the
// names the client asked for.
type SubscribeAuthorizer interface {
	AuthorizeSubscribe(clientID string, channels []string, token string) bool
}

// AllowAll admits every subscription. It is the default when no credential
// source is configured.
type AllowAll struct{}

func (AllowAll) AuthorizeSubscribe(string, []string, string) bool { return true }

// HashToken returns the hex-encoded SHA3-256 of a token. Configuration
// stores hashes, never raw tokens.
func HashToken(token string) string {
	h := sha3.New256()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// TokensEqual compares two token hashes in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenSet admits subscriptions presenting a token whose hash is in the
// set. Membership is checked against every entry so timing does not leak
// which entry matched.
type TokenSet struct {
	hashes []string
}

// NewTokenSet builds a TokenSet from hex-encoded SHA3-256 hashes.
func NewTokenSet(hashes []string) *TokenSet {
	set := &TokenSet{hashes: make([]string, len(hashes))}
	copy(set.hashes, hashes)
	return set
}

func (t *TokenSet) AuthorizeSubscribe(_ string, _ []string, token string) bool {
	if token == "" {
		return false
	}
	sum := HashToken(token)
	ok := false
	for _, h := range t.hashes {
		if TokensEqual(h, sum) {
			ok = true
		}
	}
	return ok
}

// JWT admits subscriptions bearing a token signed with the shared HMAC
// secret. Claims are not inspected beyond validity; channel-level policy
// belongs in a custom authorizer.
type JWT struct {
	secret []byte
}

// NewJWT builds a JWT authorizer around a shared secret.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) AuthorizeSubscribe(_ string, _ []string, token string) bool {
	if token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return false
	}
	return parsed.Valid
}

// Select picks the authorizer for a deployment: JWT when a secret is
// configured, a token set when hashes are, otherwise allow-all.
func Select(jwtSecret string, tokenHashes []string) SubscribeAuthorizer {
	if jwtSecret != "" {
		return NewJWT(jwtSecret)
	}
	if len(tokenHashes) > 0 {
		return NewTokenSet(tokenHashes)
	}
	return AllowAll{}
}
