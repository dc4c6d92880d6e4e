package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"routerctl/internal/config"
)

const tokenTTL = 24 * time.Hour

// dummyHash is a bcrypt hash of an unused value, compared against when the
// username does not exist to keep response timing uniform.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleLogin checks credentials against the configured users and issues an
// HS256 token. Credentials and the signing secret are read from the live
// config so a hot reload applies without restart.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	cfg := s.cfg()
	var user *config.WebUser
	for i := range cfg.Web.Users {
		if cfg.Web.Users[i].Username == req.Username {
			user = &cfg.Web.Users[i]
			break
		}
	}
	if user == nil {
		// Burn a comparison anyway so missing users cost the same as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	exp := time.Now().Add(tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.Username,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(cfg.Web.JWTSecret))
	if err != nil {
		s.log.Error().Err(err).Msg("token signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.log.Info().Str("user", user.Username).Msg("user logged in")
	c.JSON(http.StatusOK, loginResponse{Token: signed, ExpiresAt: exp})
}

// requireAuth validates the Bearer token and stores the subject in the
// context under "user".
func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	raw := strings.TrimSpace(header[len(prefix):])
	secret := []byte(s.cfg().Web.JWTSecret)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set("user", sub)
		}
	}
	c.Next()
}
