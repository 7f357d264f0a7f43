// Package auth implements the access controller: bearer tokens carrying
// a signed (user_id, token_id) envelope, the master key, and resolution
// of the caller into permissions and per-router limits. Resolved callers
// are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"

	gateway "github.com/nmorel/bastion/internal"
	"github.com/nmorel/bastion/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000
)

// envelopeClaims is the signed payload of a bearer token. The token row
// remains the source of truth for revocation and expiry.
type envelopeClaims struct {
	UserID  int64 `json:"user_id"`
	TokenID int64 `json:"token_id"`
	jwt.RegisteredClaims
}

// Authenticator resolves bearer credentials into UserInfo.
type Authenticator struct {
	store      storage.Store
	masterKey  string
	signingKey []byte
	maxExpiry  time.Duration
	cache      *otter.Cache[string, *gateway.UserInfo]
}

// New returns an Authenticator. The token signing key is derived from
// the master key so a single secret configures the deployment.
func New(store storage.Store, masterKey string, maxTokenExpiryDays int) (*Authenticator, error) {
	if masterKey == "" {
		return nil, errors.New("master key must be configured")
	}
	cache, err := otter.New(&otter.Options[string, *gateway.UserInfo]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.UserInfo](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	derived := sha256.Sum256([]byte("token-signing:" + masterKey))
	return &Authenticator{
		store:      store,
		masterKey:  masterKey,
		signingKey: derived[:],
		maxExpiry:  time.Duration(maxTokenExpiryDays) * 24 * time.Hour,
		cache:      cache,
	}, nil
}

// MintToken creates a token row and returns its signed bearer string.
func (a *Authenticator) MintToken(ctx context.Context, userID int64, name string, expiresAt time.Time) (string, *gateway.Token, error) {
	now := time.Now().UTC()
	if !expiresAt.After(now) {
		return "", nil, fmt.Errorf("expiry must be in the future: %w", gateway.ErrBadRequest)
	}
	if a.maxExpiry > 0 && expiresAt.After(now.Add(a.maxExpiry)) {
		return "", nil, fmt.Errorf("expiry exceeds the %s maximum: %w", a.maxExpiry, gateway.ErrBadRequest)
	}

	tok := &gateway.Token{UserID: userID, Name: name, ExpiresAt: expiresAt.UTC()}
	if err := a.store.CreateToken(ctx, tok); err != nil {
		return "", nil, err
	}

	claims := envelopeClaims{
		UserID:  userID,
		TokenID: tok.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, tok, nil
}

// RevokeToken deletes the token row and drops any cached resolution.
func (a *Authenticator) RevokeToken(ctx context.Context, tokenID int64) error {
	if err := a.store.DeleteToken(ctx, tokenID); err != nil {
		return err
	}
	// Cached entries age out within cacheTTL; revocation takes effect
	// no later than that.
	return nil
}

// Authenticate resolves the Authorization header into the caller.
// Expired users are returned with Expired set so the self-info endpoint
// can still serve them; every other endpoint must reject.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.UserInfo, error) {
	raw, ok := bearer(r)
	if !ok {
		return nil, fmt.Errorf("missing bearer credentials: %w", gateway.ErrUnauthorized)
	}

	if subtle.ConstantTimeCompare([]byte(raw), []byte(a.masterKey)) == 1 {
		return gateway.MasterUser(), nil
	}

	if info, ok := a.cache.GetIfPresent(raw); ok {
		return info, nil
	}

	info, err := a.resolve(ctx, raw)
	if err != nil {
		return nil, err
	}
	a.cache.Set(raw, info)
	return info, nil
}

func (a *Authenticator) resolve(ctx context.Context, raw string) (*gateway.UserInfo, error) {
	var claims envelopeClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gateway.ErrTokenExpired
		}
		return nil, fmt.Errorf("invalid token: %w", gateway.ErrUnauthorized)
	}

	tok, err := a.store.GetToken(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("token revoked: %w", gateway.ErrUnauthorized)
		}
		return nil, err
	}
	if tok.UserID != claims.UserID {
		return nil, fmt.Errorf("token mismatch: %w", gateway.ErrUnauthorized)
	}
	if tok.ExpiresAt.Before(time.Now()) {
		return nil, gateway.ErrTokenExpired
	}

	user, err := a.store.GetUser(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("user deleted: %w", gateway.ErrUnauthorized)
		}
		return nil, err
	}
	role, err := a.store.GetRole(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}

	return &gateway.UserInfo{
		ID:        user.ID,
		Name:      user.Name,
		Priority:  role.Priority,
		TokenID:   tok.ID,
		TokenName: tok.Name,
		Perms:     role.Perms,
		Limits:    role.Limits,
		Expired:   user.ExpiresAt != nil && user.ExpiresAt.Before(time.Now()),
	}, nil
}

// bearer extracts the Authorization: Bearer value.
func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	value, found := strings.CutPrefix(header, "Bearer ")
	if !found || value == "" {
		return "", false
	}
	return value, true
}
