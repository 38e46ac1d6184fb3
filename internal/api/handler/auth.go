package handler

import (
	"clinicchat/backend/internal/models"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL       = 72 * time.Hour
	tokenIssuer    = "clinicchat-service"
	participantKey = "participant"
)

var errMissingToken = errors.New("authorization token missing")

// Claims carries the participant behind a token. The subject is the
// participant id.
type Claims struct {
	Name string      `json:"name"`
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type patientLoginRequest struct {
	Name string `json:"name" binding:"required"`
	// PatientID lets a returning patient keep their room.
	PatientID string `json:"patient_id"`
}

type adminLoginRequest struct {
	Name string `json:"name" binding:"required"`
	Key  string `json:"key" binding:"required"`
}

// generateJWT signs a token for p.
func (h *Handler) generateJWT(p models.Participant) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: p.Name,
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.JWTSecret)
}

// parseToken validates tokenString and returns its participant.
func (h *Handler) parseToken(tokenString string) (models.Participant, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return h.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return models.Participant{}, err
	}
	if claims.Subject == "" || (claims.Role != models.RolePatient && claims.Role != models.RoleAdmin) {
		return models.Participant{}, jwt.ErrTokenInvalidClaims
	}
	return models.Participant{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// bearerToken reads the token from the Authorization header or, for browser
// WebSocket handshakes, the token query parameter.
func bearerToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", errMissingToken
		}
		return strings.TrimSpace(authHeader[len("Bearer "):]), nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

func (h *Handler) authenticate(c *gin.Context) (models.Participant, error) {
	tokenString, err := bearerToken(c)
	if err != nil {
		return models.Participant{}, err
	}
	return h.parseToken(tokenString)
}

// RequireRole rejects requests without a valid token for role.
func (h *Handler) RequireRole(role models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		if p.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			return
		}
		c.Set(participantKey, p)
		c.Next()
	}
}

// LoginPatient issues a patient token. The patient id doubles as the room id.
func (h *Handler) LoginPatient(c *gin.Context) {
	var req patientLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	patientID := req.PatientID
	if _, err := uuid.Parse(patientID); err != nil {
		patientID = uuid.NewString()
	}
	p := models.Participant{ID: patientID, Name: strings.TrimSpace(req.Name), Role: models.RolePatient}

	token, err := h.generateJWT(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "patient_id": p.ID})
}

// LoginAdmin issues an admin token when the shared admin key matches. The
// admin id is derived from the name so reconnects keep one presence identity.
func (h *Handler) LoginAdmin(c *gin.Context) {
	if h.AdminKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin login is disabled"})
		return
	}

	var req adminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and key are required"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Key), []byte(h.AdminKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin key"})
		return
	}

	name := strings.TrimSpace(req.Name)
	p := models.Participant{
		ID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte("admin/"+name)).String(),
		Name: name,
		Role: models.RoleAdmin,
	}

	token, err := h.generateJWT(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "admin_id": p.ID})
}
