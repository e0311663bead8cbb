// Package credential mints and verifies the join tokens that authenticate a
// party to its session and to the video room.
//
// Tokens are EdDSA-signed JWTs. The session server stores the jti of the
// latest token per seat, so minting a new token supersedes the old one.
package credential

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/encounter.space/internal/platform/config"
	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/id"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

const envPrefix = config.Prefix + "JOIN_TOKEN"

// configEnv holds raw env values before post-parse validation.
type configEnv struct {
	Issuer     string        `env:"ISSUER" envDefault:"encounter.space"`
	Audience   string        `env:"AUDIENCE" envDefault:"encounter.space/session"`
	PrivateKey string        `env:"PRIVATE_KEY"`
	TTL        time.Duration `env:"TTL" envDefault:"2h"`
}

// Config defines how join tokens are signed and checked.
type Config struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	TTL        time.Duration
	Now        func() time.Time
}

// LoadConfigFromEnv reads ENCOUNTER_SPACE_JOIN_TOKEN_* variables.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw configEnv
	if err := config.ParseEnvWithPrefix(&raw, envPrefix); err != nil {
		return Config{}, err
	}
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if privateKey == "" {
		return Config{}, fmt.Errorf("%s_PRIVATE_KEY is required", envPrefix)
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode join token private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return Config{}, fmt.Errorf("join token private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return Config{
		Issuer:     strings.TrimSpace(raw.Issuer),
		Audience:   strings.TrimSpace(raw.Audience),
		PrivateKey: ed25519.PrivateKey(keyBytes),
		TTL:        raw.TTL,
		Now:        now,
	}, nil
}

// Grant is what a token authorizes.
type Grant struct {
	SessionID string
	Party     domain.Party
	UserID    string
	RoomURL   string
}

// Claims are the validated contents of a join token.
type Claims struct {
	Grant
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Party     string `json:"party"`
	RoomURL   string `json:"room_url,omitempty"`
}

// Manager signs and verifies join tokens.
type Manager struct {
	cfg    Config
	public ed25519.PublicKey
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("join token issuer and audience are required")
	}
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("join token private key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	public, ok := cfg.PrivateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("join token public key is unavailable")
	}
	return &Manager{cfg: cfg, public: public}, nil
}

// Issue mints a fresh token for g.
func (m *Manager) Issue(g Grant) (string, Claims, error) {
	if strings.TrimSpace(g.SessionID) == "" || strings.TrimSpace(g.UserID) == "" || !g.Party.Valid() {
		return "", Claims{}, apperrors.New(apperrors.CodeInvalidArgument, "join token grant is incomplete")
	}
	tokenID, err := id.NewID()
	if err != nil {
		return "", Claims{}, apperrors.Wrap(apperrors.CodeCredentialIssue, "generate token id", err)
	}
	now := m.cfg.Now().UTC().Truncate(time.Second)
	expires := now.Add(m.cfg.TTL)

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   g.UserID,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
		SessionID: g.SessionID,
		Party:     string(g.Party),
		RoomURL:   g.RoomURL,
	})
	signed, err := token.SignedString(m.cfg.PrivateKey)
	if err != nil {
		return "", Claims{}, apperrors.Wrap(apperrors.CodeCredentialIssue, "sign join token", err)
	}
	return signed, Claims{Grant: g, TokenID: tokenID, IssuedAt: now, ExpiresAt: expires}, nil
}

// Verify checks signature, issuer, audience, expiry and that the token
// belongs to sessionID.
func (m *Manager) Verify(token, sessionID string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeCredentialMissing, "join token is required")
	}

	var parsed tokenClaims
	if _, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return m.public, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	); err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer != m.cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !audienceContains(parsed.Audience, m.cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ID == "" || parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeCredentialInvalid, "join token is missing jti or exp")
	}
	if !parsed.ExpiresAt.Time.After(m.cfg.Now()) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeCredentialExpired, "join token is expired",
			map[string]string{"session_id": parsed.SessionID, "party": parsed.Party})
	}
	if parsed.SessionID == "" || parsed.SessionID != strings.TrimSpace(sessionID) {
		return Claims{}, mismatch("session_id")
	}
	party, err := domain.ParseParty(parsed.Party)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeCredentialInvalid, "join token party is invalid", err)
	}

	claims := Claims{
		Grant: Grant{
			SessionID: parsed.SessionID,
			Party:     party,
			UserID:    parsed.Subject,
			RoomURL:   parsed.RoomURL,
		},
		TokenID:   parsed.ID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// PeekExpiry reads the exp claim without verifying the signature. Clients use
// it to decide when to ask for a fresh token; the server never trusts it.
func PeekExpiry(token string) (time.Time, error) {
	var parsed tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &parsed); err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.CodeCredentialInvalid, "join token is malformed", err)
	}
	if parsed.ExpiresAt == nil {
		return time.Time{}, apperrors.New(apperrors.CodeCredentialInvalid, "join token has no exp")
	}
	return parsed.ExpiresAt.Time.UTC(), nil
}

func mismatch(field string) error {
	return apperrors.WithMetadata(apperrors.CodeCredentialMismatch, "join token "+field+" mismatch",
		map[string]string{"field": field})
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrEd25519Verification):
		return apperrors.Wrap(apperrors.CodeCredentialInvalid, "join token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeCredentialInvalid, "join token alg is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeCredentialInvalid, "join token is malformed", err)
	}
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
