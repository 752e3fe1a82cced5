package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"
)

// ErrKeyIDMissing indicates no kid is associated with the supplied key.
var ErrKeyIDMissing = errors.New("jwt: missing key identifier")

// ErrTokenExpired indicates the token's expiry has passed.
var ErrTokenExpired = errors.New("jwt: token expired")

// ErrTokenInvalid indicates the token failed signature or claim validation.
var ErrTokenInvalid = errors.New("jwt: token invalid")

// ErrTokenWrongType indicates the typ claim does not match the expected token class.
var ErrTokenWrongType = errors.New("jwt: unexpected token type")

const (
	// TokenTypeAccess marks short-lived credentials presented on every connection.
	TokenTypeAccess = "access"
	// TokenTypeRefresh marks long-lived credentials used only for rotation.
	TokenTypeRefresh = "refresh"
)

// AccessTokenClaims augments registered claims with identity and session context.
type AccessTokenClaims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshTokenClaims carries only the identity needed to rotate a session.
type RefreshTokenClaims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies the gateway's RS256 tokens.
type TokenCodec struct {
	provider KeyProvider
	kid      string
	issuer   string
}

// NewTokenCodec constructs a TokenCodec bound to a signing key identifier.
func NewTokenCodec(provider KeyProvider, kid, issuer string) (*TokenCodec, error) {
	if provider == nil {
		return nil, fmt.Errorf("jwt: key provider is required")
	}
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, ErrKeyIDMissing
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, fmt.Errorf("jwt: issuer is required")
	}

	return &TokenCodec{provider: provider, kid: kid, issuer: issuer}, nil
}

// SignAccess issues an access token for the identity and session.
func (c *TokenCodec) SignAccess(userID, email, username, sessionID string, ttl time.Duration, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("jwt: user id is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("jwt: session id is required")
	}

	now = now.UTC()
	claims := &AccessTokenClaims{
		UserID:    userID,
		Email:     strings.TrimSpace(email),
		Username:  strings.TrimSpace(username),
		SessionID: sessionID,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	return c.sign(claims)
}

// SignRefresh issues a refresh token for the session.
func (c *TokenCodec) SignRefresh(userID, sessionID string, ttl time.Duration, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("jwt: user id is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("jwt: session id is required")
	}

	now = now.UTC()
	claims := &RefreshTokenClaims{
		UserID:    userID,
		SessionID: sessionID,
		TokenType: TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	return c.sign(claims)
}

// ParseAccess verifies the signature and expiry of an access token.
func (c *TokenCodec) ParseAccess(token string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	if err := c.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrTokenWrongType
	}
	return claims, nil
}

// ParseRefresh verifies the signature and expiry of a refresh token.
func (c *TokenCodec) ParseRefresh(token string) (*RefreshTokenClaims, error) {
	claims := &RefreshTokenClaims{}
	if err := c.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrTokenWrongType
	}
	return claims, nil
}

func (c *TokenCodec) sign(claims jwt.Claims) (string, error) {
	signingKey, err := c.provider.GetSigningKey()
	if err != nil {
		return "", fmt.Errorf("jwt: get signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.kid

	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

func (c *TokenCodec) parse(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}

		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, ErrKeyIDMissing
		}

		return c.verificationKey(kid)
	},
		jwt.WithIssuer(c.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}

	return nil
}

func (c *TokenCodec) verificationKey(kid string) (*rsa.PublicKey, error) {
	key, err := c.provider.GetVerificationKey(kid)
	if err != nil {
		return nil, fmt.Errorf("jwt: verification key for %s: %w", kid, err)
	}
	return key, nil
}
