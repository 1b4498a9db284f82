package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultKeyCacheTTL = 10 * time.Minute
	providerGoogle     = "google"
)

var (
	errEmptyIDToken        = errors.New("id token must not be empty")
	errMissingKeyID        = errors.New("token missing key identifier")
	errUnknownSigningKey   = errors.New("signing key not present in key set")
	errIssuerNotTrusted    = errors.New("token issuer not trusted")
	errSubjectMissing      = errors.New("token missing subject claim")
	errAudienceRequired    = errors.New("verifier audience is required")
	errKeySetURLRequired   = errors.New("verifier key set url is required")
	errNoTrustedIssuers    = errors.New("verifier needs at least one trusted issuer")
	ErrInvalidVerifierConf = errors.New("auth: invalid identity verifier config")
)

// IdentityClaims carries the verified fields the users service needs to
// resolve a login to a stable user id.
type IdentityClaims struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	Issuer      string
	Expiry      time.Time
}

// VerifierConfig configures offline ID token verification against a cached
// JWKS document.
type VerifierConfig struct {
	Audience       string
	KeySetURL      string
	TrustedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IdentityVerifier validates OpenID Connect ID tokens presented at login.
// Signing keys are fetched lazily and cached; verification itself never
// blocks on the network while the cache is warm.
type IdentityVerifier struct {
	audience  string
	keySetURL string
	issuers   map[string]struct{}
	client    *http.Client
	clock     func() time.Time
	logger    *zap.Logger
	keys      *signingKeyCache
}

// NewIdentityVerifier validates the configuration and returns a verifier.
func NewIdentityVerifier(cfg VerifierConfig) (*IdentityVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConf, errAudienceRequired)
	}
	keySetURL := strings.TrimSpace(cfg.KeySetURL)
	if keySetURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConf, errKeySetURLRequired)
	}

	issuers := make(map[string]struct{})
	for _, issuer := range cfg.TrustedIssuers {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConf, errNoTrustedIssuers)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultKeyCacheTTL
	}

	return &IdentityVerifier{
		audience:  audience,
		keySetURL: keySetURL,
		issuers:   issuers,
		client:    client,
		clock:     clock,
		logger:    logger,
		keys:      &signingKeyCache{ttl: cacheTTL},
	}, nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verify validates the raw ID token and returns the identity claims.
func (v *IdentityVerifier) Verify(ctx context.Context, rawToken string) (IdentityClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return IdentityClaims{}, errEmptyIDToken
	}

	claims := &idTokenClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyID
			}
			return v.resolveKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return IdentityClaims{}, err
	}
	if !token.Valid {
		return IdentityClaims{}, errors.New("token signature invalid")
	}
	if _, trusted := v.issuers[claims.Issuer]; !trusted {
		return IdentityClaims{}, errIssuerNotTrusted
	}
	if claims.Subject == "" {
		return IdentityClaims{}, errSubjectMissing
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	return IdentityClaims{
		Provider:    providerGoogle,
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		Issuer:      claims.Issuer,
		Expiry:      expiry,
	}, nil
}

func (v *IdentityVerifier) resolveKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.keys.lookup(keyID, now); key != nil {
		return key, nil
	}
	if err := v.fetchKeySet(ctx, now); err != nil {
		return nil, err
	}
	if key := v.keys.lookup(keyID, now); key != nil {
		return key, nil
	}
	return nil, errUnknownSigningKey
}

func (v *IdentityVerifier) fetchKeySet(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keySetURL, nil)
	if err != nil {
		return err
	}
	response, err := v.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("key set request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			v.logger.Debug("skipping unusable jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("key set contained no usable keys")
	}

	v.keys.replace(keys, fetchedAt)
	return nil
}

type signingKeyCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *signingKeyCache) lookup(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *signingKeyCache) replace(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jsonWebKey struct {
	KeyType string `json:"kty"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
