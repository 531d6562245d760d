package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newKeyPair(t *testing.T) (privPEM, pubPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return privPEM, pubPEM
}

func TestNewJWTValidator(t *testing.T) {
	_, pub := newKeyPair(t)
	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "valid PKIX key", publicKeyPEM: pub},
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty public key", publicKeyPEM: "", expectError: true},
		{
			name: "invalid RSA key format",
			publicKeyPEM: `-----BEGIN PUBLIC KEY-----
aW52YWxpZC1rZXktZGF0YQ==
-----END PUBLIC KEY-----`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, "test-issuer", "test-audience")
			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != "test-issuer" || validator.audience != "test-audience" {
				t.Errorf("NewJWTValidator() = %+v", validator)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	priv, pub := newKeyPair(t)
	otherPriv, _ := newKeyPair(t)

	issuer, err := NewIssuer(priv, "harborrelay", "harborrelay-admin")
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	wrongAud, _ := NewIssuer(priv, "harborrelay", "someone-else")
	wrongKey, _ := NewIssuer(otherPriv, "harborrelay", "harborrelay-admin")
	expired, _ := NewIssuer(priv, "harborrelay", "harborrelay-admin")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	validator, err := NewJWTValidator(pub, "harborrelay", "harborrelay-admin")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	mint := func(i *Issuer, tenant string) string {
		tok, err := i.Issue(tenant, time.Hour)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		return tok
	}
	noTenant := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "harborrelay", "aud": "harborrelay-admin", "exp": time.Now().Add(time.Hour).Unix(),
	})
	noTenantStr, _ := noTenant.SignedString(issuer.privateKey)
	hmacTok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "tn"}).SignedString([]byte("k"))

	tests := []struct {
		name       string
		token      string
		wantTenant string
		wantErr    bool
	}{
		{name: "valid token", token: mint(issuer, "tn_1"), wantTenant: "tn_1"},
		{name: "wrong audience", token: mint(wrongAud, "tn_1"), wantErr: true},
		{name: "wrong key", token: mint(wrongKey, "tn_1"), wantErr: true},
		{name: "expired", token: mint(expired, "tn_1"), wantErr: true},
		{name: "missing tenant claim", token: noTenantStr, wantErr: true},
		{name: "hmac algorithm rejected", token: hmacTok, wantErr: true},
		{name: "malformed", token: "header.payload", wantErr: true},
		{name: "empty", token: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := validator.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tenant != tt.wantTenant {
				t.Errorf("ValidateToken() tenant = %q, want %q", tenant, tt.wantTenant)
			}
		})
	}
}

func TestJWTValidator_Middleware(t *testing.T) {
	priv, pub := newKeyPair(t)
	issuer, _ := NewIssuer(priv, "harborrelay", "harborrelay-admin")
	validator, _ := NewJWTValidator(pub, "harborrelay", "harborrelay-admin")
	token, _ := issuer.Issue("tn_7", time.Hour)

	r := gin.New()
	r.GET("/v1/endpoints", validator.Middleware(), func(c *gin.Context) {
		tenant, ok := TenantFromGin(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Header("X-Tenant-ID", tenant)
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedTenant string
	}{
		{name: "valid bearer token", header: "Bearer " + token, expectedStatus: http.StatusOK, expectedTenant: "tn_7"},
		{name: "missing header", expectedStatus: http.StatusUnauthorized},
		{name: "no bearer prefix", header: token, expectedStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", expectedStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/endpoints", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.expectedStatus, w.Body.String())
			}
			if got := w.Header().Get("X-Tenant-ID"); got != tt.expectedTenant {
				t.Errorf("tenant = %q, want %q", got, tt.expectedTenant)
			}
		})
	}
}

func TestIssuer_PublicKeyRoundTrip(t *testing.T) {
	priv, _ := newKeyPair(t)
	issuer, err := NewIssuer(priv, "iss", "aud")
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	pub, err := issuer.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}
	validator, err := NewJWTValidator(pub, "iss", "aud")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	tok, _ := issuer.Issue("tn_1", time.Minute)
	if got, err := validator.ValidateToken(tok); err != nil || got != "tn_1" {
		t.Errorf("ValidateToken() = %q, %v", got, err)
	}
	if _, err := issuer.Issue("", time.Minute); err == nil {
		t.Error("Issue() without tenant should fail")
	}
	if _, err := NewIssuer("nope", "iss", "aud"); err == nil {
		t.Error("NewIssuer() with bad PEM should fail")
	}
}
