package auth

import (
	"log/slog"
	"net/http"
	"strings"

	ginmw "github.com/bartventer/gorm-multitenancy/middleware/gin/v8"
	"github.com/gin-gonic/gin"
)

// MosqueMiddlewareConfig holds configuration for mosque (tenant) resolution
type MosqueMiddlewareConfig struct {
	// HeaderName is the HTTP header to extract the mosque schema from
	HeaderName string
	// SkipPaths are paths that don't require mosque context
	SkipPaths []string
}

// DefaultMosqueMiddlewareConfig returns the default configuration
func DefaultMosqueMiddlewareConfig() *MosqueMiddlewareConfig {
	return &MosqueMiddlewareConfig{
		HeaderName: "X-Mosque-ID",
		SkipPaths: []string{
			"/api/v1/auth/",
			"/health",
		},
	}
}

// MosqueFromHeaderMiddleware extracts the mosque schema from a header, with
// the JWT claim as fallback.
func MosqueFromHeaderMiddleware(cfg *MosqueMiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, skipPath := range cfg.SkipPaths {
			if strings.HasPrefix(c.Request.URL.Path, skipPath) {
				c.Next()
				return
			}
		}

		schema := c.GetHeader(cfg.HeaderName)
		if schema == "" {
			schema = c.Query("mosque")
		}
		if schema == "" {
			if s, ok := GetMosqueSchemaFromContext(c); ok && s != "" {
				schema = s
			}
		}

		if schema == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mosque ID is required"})
			c.Abort()
			return
		}

		if err := validateSchemaName(schema); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		slog.Debug("Mosque context set", "mosque", schema)
		c.Set("mosqueID", schema)
		c.Next()
	}
}

// GetMosqueIDFromContext retrieves the mosque schema from the Gin context
func GetMosqueIDFromContext(c *gin.Context) (string, bool) {
	schema, exists := c.Get("mosqueID")
	if !exists {
		return "", false
	}
	return schema.(string), true
}

// validateSchemaName validates the mosque schema format
func validateSchemaName(schema string) error {
	if len(schema) < 3 || len(schema) > 63 {
		return ErrInvalidMosqueID
	}
	for _, r := range schema {
		if !isValidSchemaChar(r) {
			return ErrInvalidMosqueID
		}
	}
	return nil
}

func isValidSchemaChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

var ErrInvalidMosqueID = &MosqueError{Message: "invalid mosque ID format"}

type MosqueError struct {
	Message string
}

func (e *MosqueError) Error() string {
	return e.Message
}

// GormMultitenancyMiddleware returns the gorm-multitenancy middleware for Gin,
// using subdomain-based tenant extraction.
func GormMultitenancyMiddleware() gin.HandlerFunc {
	return ginmw.WithTenant(ginmw.DefaultWithTenantConfig)
}
