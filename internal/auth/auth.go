package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrCacheMiss   = errors.New("api key not cached")
)

// keyCacheTTL bounds how long a revoked key keeps resolving.
const keyCacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"key_hash"`
	Plan      string    `json:"plan"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// KeyCache caches resolved API keys by key hash. Get returns ErrCacheMiss
// when the hash is absent.
type KeyCache interface {
	Get(ctx context.Context, keyHash string) (*APIKey, error)
	Set(ctx context.Context, keyHash string, key *APIKey, ttl time.Duration) error
}

// Identity is what the governance pipeline knows about a caller. UserID is
// empty for anonymous requests; ClientID is always set and falls back to the
// remote IP so rate limiting still has a subject.
type Identity struct {
	UserID   string
	Plan     string
	APIKeyID string
	ClientID string
}

func (id Identity) Anonymous() bool { return id.UserID == "" }

// Resolver turns an incoming request into an Identity. It is not an
// authentication gate: unknown or unreadable keys leave the request
// anonymous and the backend behind the gateway still authenticates.
type Resolver struct {
	store Store
	cache KeyCache
}

func NewResolver(store Store, cache KeyCache) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// Resolve picks the identity for a request. A literal x-user-id header wins;
// otherwise a Bearer API key is resolved through the cache and then the
// store. Lookup failures log and degrade to anonymous.
func (r *Resolver) Resolve(req *http.Request) Identity {
	id := Identity{ClientID: clientAddr(req)}

	if userID := req.Header.Get("x-user-id"); userID != "" {
		id.UserID = userID
		id.ClientID = userID
		return id
	}

	key := bearerToken(req)
	if key == "" || r.store == nil {
		return id
	}

	ctx := req.Context()
	keyHash := HashKey(key)

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, keyHash)
		if err == nil {
			return id.withKey(cached)
		}
		if !errors.Is(err, ErrCacheMiss) {
			log.Printf("[auth] key cache read failed: %v", err)
		}
	}

	apiKey, err := r.store.GetByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			log.Printf("[auth] key lookup failed: %v", err)
		}
		return id
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, keyHash, apiKey, keyCacheTTL); err != nil {
			log.Printf("[auth] key cache write failed: %v", err)
		}
	}
	return id.withKey(apiKey)
}

func (id Identity) withKey(k *APIKey) Identity {
	id.UserID = k.UserID
	id.Plan = k.Plan
	id.APIKeyID = k.ID
	id.ClientID = k.UserID
	return id
}

// HashKey is the canonical SHA-256 hex digest used for both the Redis cache
// key and the api_keys.key_hash column.
func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func bearerToken(req *http.Request) string {
	authHeader := req.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

func clientAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	planKey     contextKey = "plan"
	clientIDKey contextKey = "client_id"
)

// WithIdentity attaches the resolved identity so handlers behind the
// pipeline can read it back.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, id.UserID)
	ctx = context.WithValue(ctx, planKey, id.Plan)
	return context.WithValue(ctx, clientIDKey, id.ClientID)
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetPlan(ctx context.Context) string {
	if plan, ok := ctx.Value(planKey).(string); ok {
		return plan
	}
	return ""
}

func GetClientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}
