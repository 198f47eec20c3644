// Package auth implements API key authentication. Keys are bearer tokens
// with an inb_ prefix; only the SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/inboundemail/inbound/internal/pkg/httputil"
	"github.com/inboundemail/inbound/internal/store"
)

// KeyPrefix identifies keys issued by this service
const KeyPrefix = "inb_"

type contextKey int

const (
	userContextKey contextKey = iota
	keyContextKey
)

// Service resolves bearer tokens against the api_keys table.
type Service struct {
	store *store.Store
}

// NewService creates an authentication service
func NewService(s *store.Store) *Service {
	return &Service{store: s}
}

// GeneratedKey is a freshly minted API key. Plaintext is shown once and
// never persisted.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Hint      string
}

// GenerateKey mints a new random API key
func GenerateKey() (*GeneratedKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return &GeneratedKey{
		Plaintext: plaintext,
		Hash:      store.HashKey(plaintext),
		Hint:      Hint(plaintext),
	}, nil
}

// Hint returns the displayable fragment of a key (prefix plus last four)
func Hint(plaintext string) string {
	if len(plaintext) < len(KeyPrefix)+4 {
		return plaintext
	}
	return plaintext[:len(KeyPrefix)+4] + "..." + plaintext[len(plaintext)-4:]
}

// Authenticate resolves a bearer token to its key and user. Unknown,
// revoked and expired tokens all return nil without distinguishing
// themselves to the caller.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.User, *store.APIKey, error) {
	if !strings.HasPrefix(token, KeyPrefix) {
		return nil, nil, nil
	}
	key, err := s.store.GetAPIKeyByHash(ctx, store.HashKey(token))
	if err != nil {
		return nil, nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key == nil {
		return nil, nil, nil
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		log.Printf("[Auth] Rejected expired key %s", key.KeyHint)
		return nil, nil, nil
	}
	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading key owner: %w", err)
	}
	if user == nil {
		log.Printf("[Auth] Warning: key %s references missing user %s", key.KeyHint, key.UserID)
		return nil, nil, nil
	}
	return user, key, nil
}

// RequireKey is middleware that enforces bearer authentication and loads
// the key's owner into the request context.
func (s *Service) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httputil.Unauthorized(w, "missing API key")
			return
		}

		user, key, err := s.Authenticate(r.Context(), token)
		if err != nil {
			httputil.InternalError(w, fmt.Errorf("authenticating request: %w", err))
			return
		}
		if user == nil {
			httputil.Unauthorized(w, "invalid API key")
			return
		}

		// Fire-and-forget; last_used_at is advisory.
		go func(keyID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.TouchAPIKey(ctx, keyID); err != nil {
				log.Printf("[Auth] Warning: failed to touch key %s: %v", keyID, err)
			}
		}(key.ID)

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, keyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the authenticated user, or nil outside RequireKey
func UserFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)
	return user
}

// KeyFromContext returns the API key the request authenticated with
func KeyFromContext(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(keyContextKey).(*store.APIKey)
	return key
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	// curl ergonomics: a bare key without the Bearer prefix works too
	if strings.HasPrefix(header, KeyPrefix) {
		return header
	}
	return ""
}

// Bootstrap ensures an initial user and API key exist so a fresh deployment
// is usable without manual SQL. The key comes from config; when no key is
// configured and no users exist, one is generated and printed once.
func (s *Service) Bootstrap(ctx context.Context, email, configuredKey string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("looking up bootstrap user: %w", err)
	}
	if user == nil {
		user = &store.User{Email: email, Name: "Admin"}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("creating bootstrap user: %w", err)
		}
		log.Printf("[Auth] Created bootstrap user %s", email)
	}

	if configuredKey != "" {
		existing, err := s.store.GetAPIKeyByHash(ctx, store.HashKey(configuredKey))
		if err != nil {
			return fmt.Errorf("checking bootstrap key: %w", err)
		}
		if existing != nil {
			return nil
		}
		key := &store.APIKey{
			UserID:  user.ID,
			Name:    "bootstrap",
			KeyHash: store.HashKey(configuredKey),
			KeyHint: Hint(configuredKey),
		}
		if err := s.store.CreateAPIKey(ctx, key); err != nil {
			return fmt.Errorf("storing bootstrap key: %w", err)
		}
		log.Printf("[Auth] Registered bootstrap key %s", key.KeyHint)
		return nil
	}

	keys, err := s.store.GetAPIKeys(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("listing bootstrap keys: %w", err)
	}
	if len(keys) > 0 {
		return nil
	}

	generated, err := GenerateKey()
	if err != nil {
		return err
	}
	key := &store.APIKey{
		UserID:  user.ID,
		Name:    "bootstrap",
		KeyHash: generated.Hash,
		KeyHint: generated.Hint,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("storing generated key: %w", err)
	}
	// The only time the plaintext is ever visible.
	log.Printf("[Auth] Generated bootstrap API key: %s", generated.Plaintext)
	return nil
}
