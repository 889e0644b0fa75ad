package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"todo-registry/domain"
)

const clockSkew = time.Minute

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AnonymousAuth accepts every request and attributes it to the anonymous caller.
type AnonymousAuth struct{}

func (AnonymousAuth) UserIDFromAuthHeader(string) (string, error) {
	return domain.AnonymousCaller, nil
}

// Auth validates bearer tokens, either HS256 with a shared secret or RS256
// against a JWKS endpoint.
type Auth struct {
	Audience string
	Issuer   string

	secret []byte
	jwks   *keyfunc.JWKS
	keys   *keyCache
	parser *jwt.Parser
}

// NewHS256Auth verifies tokens signed with secret.
func NewHS256Auth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience: audience,
		Issuer:   issuer,
		secret:   secret,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
	}
}

// NewJWKSAuth verifies RS256 tokens with keys from jwks. Resolved keys are
// cached per kid for cacheTTL; a zero TTL disables the cache.
func NewJWKSAuth(jwks *keyfunc.JWKS, audience, issuer string, cacheTTL time.Duration) *Auth {
	return &Auth{
		Audience: audience,
		Issuer:   issuer,
		jwks:     jwks,
		keys:     newKeyCache(cacheTTL),
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
	}
}

// UserIDFromAuthHeader returns the subject of the bearer token in h.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(token)
}

// UserIDFromToken verifies a raw token and returns its subject.
func (a *Auth) UserIDFromToken(token string) (string, error) {
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now()
	if !claims.VerifyExpiresAt(now.Add(-clockSkew).Unix(), true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(clockSkew).Unix(), false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now.Add(clockSkew).Unix(), false) {
		return "", errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if key, ok := a.keys.get(kid); ok {
		return key, nil
	}
	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	a.keys.put(kid, key)
	return key, nil
}

func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

type keyCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cachedKey
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{ttl: ttl, entries: make(map[string]cachedKey)}
}

func (c *keyCache) get(kid string) (any, bool) {
	if c == nil || kid == "" || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[kid]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, kid)
		return nil, false
	}
	return entry.key, true
}

func (c *keyCache) put(kid string, key any) {
	if c == nil || kid == "" || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kid] = cachedKey{key: key, expiresAt: time.Now().Add(c.ttl)}
}
