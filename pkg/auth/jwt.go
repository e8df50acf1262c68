package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken indica che il token non è valido
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indica che il token è scaduto
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidClaims indica che i claims non sono validi
	ErrInvalidClaims = errors.New("invalid claims")
)

// Ruoli riconosciuti per il gating dei permission tier
const (
	RoleAdmin  = "admin"
	RoleTeam   = "team"
	RolePublic = "public"
)

// JWTConfig configurazione JWT
type JWTConfig struct {
	SecretKey      string
	Issuer         string
	AccessDuration time.Duration
}

// Claims rappresenta i claims JWT del chiamante
type Claims struct {
	OwnerID string `json:"owner_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager gestisce la creazione e validazione di token JWT
type JWTManager struct {
	config JWTConfig
}

// NewJWTManager crea un nuovo JWT manager
func NewJWTManager(config JWTConfig) *JWTManager {
	if config.AccessDuration == 0 {
		config.AccessDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "hacp"
	}

	return &JWTManager{
		config: config,
	}
}

// GenerateAccessToken genera un access token per l'owner con il ruolo indicato
func (m *JWTManager) GenerateAccessToken(ownerID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		OwnerID: ownerID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			Subject:   ownerID,
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// ValidateToken valida un token JWT e restituisce i claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	}, jwt.WithIssuer(m.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OwnerID == "" {
		return nil, ErrInvalidClaims
	}
	if claims.Role == "" {
		claims.Role = RolePublic
	}

	return claims, nil
}
