// Package auth implements the credential checks gating peer sessions:
// basic (bcrypt user table) and bearer token (constant-time set
// membership), with a sliding-window rate limiter keyed by peer
// address.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Methods understood by the shipped authenticators.
const (
	MethodBasic = "basic"
	MethodToken = "token"
	MethodNone  = "none"
)

// Status is the outcome class of an authentication attempt.
type Status int

const (
	Ok Status = iota
	Denied
	RateLimited
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Denied:
		return "denied"
	case RateLimited:
		return "rateLimited"
	}

	return "unknown"
}

// Result carries the outcome of an authentication attempt.  Identity
// is set only for Ok results.
type Result struct {
	Status   Status
	Identity string
	Reason   string
}

func allow(identity string) Result {
	return Result{Status: Ok, Identity: identity}
}

func deny(reason string) Result {
	return Result{Status: Denied, Reason: reason}
}

// Authenticator checks one credential presentation.  The peerHint is
// the remote address, used for rate limiting.
type Authenticator interface {
	Authenticate(method, credentials, peerHint string) Result
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(method, credentials, peerHint string) Result

func (f AuthenticatorFunc) Authenticate(method, credentials, peerHint string) Result {
	return f(method, credentials, peerHint)
}

// AllowAll accepts every peer.  Used when authentication is disabled;
// the identity is the peer hint.
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(_, _, peerHint string) Result {
		return allow(peerHint)
	})
}

// NewBasic builds an authenticator over a user table mapping usernames
// to bcrypt hashes.  Credentials are presented as base64
// "username:password"; the unencoded form is tolerated, since a colon
// can never appear in base64 text.
func NewBasic(users map[string]string) Authenticator {
	table := make(map[string]string, len(users))
	for name, hash := range users {
		table[name] = hash
	}

	return AuthenticatorFunc(func(method, credentials, _ string) Result {
		if method != MethodBasic {
			return deny("unsupported method: " + method)
		}

		if decoded, err := base64.StdEncoding.DecodeString(credentials); err == nil {
			credentials = string(decoded)
		}

		name, password, found := strings.Cut(credentials, ":")
		if !found {
			return deny("malformed credentials")
		}

		hash, ok := table[name]
		if !ok {
			// burn a comparison so unknown users cost the same as
			// wrong passwords
			bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
			return deny("unknown user")
		}

		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return deny("bad password")
		}

		return allow(name)
	})
}

// HashPassword produces a bcrypt hash suitable for a NewBasic table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// NewBearer builds an authenticator over an opaque token set.  Every
// configured token is compared in constant time regardless of match
// position.
func NewBearer(tokens map[string]string) Authenticator {
	type entry struct {
		token    []byte
		identity string
	}

	entries := make([]entry, 0, len(tokens))
	for token, identity := range tokens {
		entries = append(entries, entry{[]byte(token), identity})
	}

	return AuthenticatorFunc(func(method, credentials, _ string) Result {
		if method != MethodToken {
			return deny("unsupported method: " + method)
		}

		presented := []byte(credentials)
		matched := -1
		for i, e := range entries {
			if len(e.token) == len(presented) &&
				subtle.ConstantTimeCompare(e.token, presented) == 1 && matched < 0 {
				matched = i
			}
		}

		if matched < 0 {
			return deny("unknown token")
		}

		return allow(entries[matched].identity)
	})
}

// Methods dispatches to an authenticator by the presented method.
func Methods(byMethod map[string]Authenticator) Authenticator {
	return AuthenticatorFunc(func(method, credentials, peerHint string) Result {
		a, ok := byMethod[method]
		if !ok {
			return deny("no authenticator for method: " + method)
		}

		return a.Authenticate(method, credentials, peerHint)
	})
}
