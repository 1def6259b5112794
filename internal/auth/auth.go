package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/trading-oms/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials are the API key pair a strategy authenticates with.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse is the issued JWT with its expiry.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims carries the strategy identity inside the JWT. Every intent
// submitted with the token is attributed to this strategy.
type Claims struct {
	jwt.RegisteredClaims
	StrategyID  string   `json:"strategy_id"`
	Permissions []string `json:"permissions"`
}

type credential struct {
	secret      string
	strategyID  string
	permissions []string
}

// Service issues and validates strategy tokens.
type Service struct {
	jwtSecret   []byte
	credentials map[string]credential
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		credentials: make(map[string]credential),
	}
}

// RegisterStrategy registers an API key pair for a strategy.
func (s *Service) RegisterStrategy(strategyID, apiKey, apiSecret string) {
	s.credentials[apiKey] = credential{
		secret:      apiSecret,
		strategyID:  strategyID,
		permissions: []string{"trade"},
	}
}

// RegisterOperator registers an API key pair with admin permission for the
// operator endpoints.
func (s *Service) RegisterOperator(apiKey, apiSecret string) {
	s.credentials[apiKey] = credential{
		secret:      apiSecret,
		strategyID:  "_OPERATOR_",
		permissions: []string{"trade", "admin"},
	}
}

// GenerateToken exchanges valid credentials for a 24-hour strategy token.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.credentials[creds.APIKey]
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		StrategyID:  cred.strategyID,
		Permissions: cred.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{Token: tokenString, Expiration: expiration}, nil
}

// ValidateToken verifies signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST requests to exchange credentials for a
// strategy token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetStrategyID extracts the strategy id from validated JWT claims.
// Returns empty string if the claim is missing.
func GetStrategyID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if strategyID, ok := jwtClaims["strategy_id"].(string); ok {
			return strategyID
		}
	}
	return ""
}
