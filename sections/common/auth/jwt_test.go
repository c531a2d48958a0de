package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testJWTManager(t *testing.T) *JWTManager {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	mgr, err := NewJWTManager(string(pemBytes), "madrasa-backend", 1)
	require.NoError(t, err)
	return mgr
}

func TestTokenRoundTrip(t *testing.T) {
	mgr := testJWTManager(t)

	token, err := mgr.GenerateToken(42, "imam@example.com", "al_noor")
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, uint(42), claims.UserID)
	require.Equal(t, "imam@example.com", claims.Email)
	require.Equal(t, "al_noor", claims.MosqueSchema)
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr := testJWTManager(t)
	_, err := mgr.ValidateToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	mgr := testJWTManager(t)
	other := testJWTManager(t)

	token, err := other.GenerateToken(1, "a@example.com", "")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTAuthMiddleware(t *testing.T) {
	mgr := testJWTManager(t)
	token, err := mgr.GenerateToken(7, "imam@example.com", "al_noor")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/protected", JWTAuthMiddleware(mgr), func(c *gin.Context) {
		claims, ok := GetClaimsFromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"userId": claims.UserID})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalJWTMiddlewarePassesAnonymous(t *testing.T) {
	mgr := testJWTManager(t)

	r := gin.New()
	r.GET("/open", OptionalJWTMiddleware(mgr), func(c *gin.Context) {
		_, ok := GetClaimsFromContext(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": ok})
	})

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"authenticated":false`)
}

func TestValidateSchemaName(t *testing.T) {
	require.NoError(t, validateSchemaName("al_noor_mosque"))
	require.NoError(t, validateSchemaName("Mosque123"))
	require.Error(t, validateSchemaName("ab"))
	require.Error(t, validateSchemaName("bad-schema"))
	require.Error(t, validateSchemaName("drop table;"))
}
