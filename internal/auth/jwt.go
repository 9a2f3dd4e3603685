package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/crypto"
)

const issuer = "nirsd"

// ErrInvalidToken is returned for tokens that fail signature or claim checks
var ErrInvalidToken = errors.New("invalid token")

// JWTManager manages JWT tokens
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	UserID  uuid.UUID `json:"user_id"`
	Email   string    `json:"email"`
	IsAdmin bool      `json:"is_admin"`
}

// GenerateTokenPair issues an access token carrying the account claims and a
// bare refresh token that only names the subject
func (m *JWTManager) GenerateTokenPair(user *models.User) (access, refresh string, err error) {
	now := time.Now()

	access, err = m.sign(Claims{
		RegisteredClaims: m.registered(user, now, m.config.AccessTokenTTL),
		UserID:           user.ID,
		Email:            user.Email,
		IsAdmin:          user.IsAdmin,
	})
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh, err = m.sign(m.registered(user, now, m.config.RefreshTokenTTL))
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}
	return access, refresh, nil
}

func (m *JWTManager) registered(user *models.User, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   user.ID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (m *JWTManager) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.Secret))
}

func (m *JWTManager) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(m.config.Secret), nil
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, m.keyFunc, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// RefreshToken issues a new pair for the subject of a valid refresh token.
// The subject must still be an active account in users.
func (m *JWTManager) RefreshToken(refreshTokenString string, users *Directory) (string, string, error) {
	token, err := jwt.ParseWithClaims(refreshTokenString, &jwt.RegisteredClaims{}, m.keyFunc, jwt.WithIssuer(issuer))
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", "", fmt.Errorf("%w: subject %q", ErrInvalidToken, claims.Subject)
	}

	user, ok := users.Get(userID)
	if !ok || !user.IsActive {
		return "", "", ErrInvalidToken
	}
	return m.GenerateTokenPair(user)
}

// VerifyPassword verifies a password against a hash
func (m *JWTManager) VerifyPassword(password, hash string) bool {
	return crypto.VerifyPassword(password, hash)
}
