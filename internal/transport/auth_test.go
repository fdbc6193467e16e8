package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/stepper/internal/config"
)

var testSecret = []byte("operator-shared-secret")

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Enabled:    true,
		Issuer:     "https://auth.example.com",
		Audience:   "stepper",
		Algorithms: []string{"RS256", "ES256", "HS256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "operator-1",
		"roles": []string{"operator"},
		"iss":   "https://auth.example.com",
		"aud":   "stepper",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

func serveWithToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := startJWKSServer(t,
		rsaKeyToJWK("rsa-1", &rsaKey.PublicKey),
		ecKeyToJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kty": "oct", "kid": "skipped"},
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	key, err := client.GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.N) != 0 {
		t.Errorf("rsa-1 = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.X) != 0 {
		t.Errorf("ec-1 = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.GetKey("skipped"); err == nil {
		t.Error("expected error for unsupported key type")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	var calls atomic.Int32
	rsaKey := generateRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{rsaKeyToJWK("cached", &rsaKey.PublicKey)},
		})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	client.minRefresh = 0

	client.GetKey("cached")
	client.GetKey("cached")

	if got := calls.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

func TestJWTAuthenticator_accepts(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwks := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("k1", &rsaKey.PublicKey)).URL, time.Hour, nil)

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"rs256 via jwks", func(t *testing.T) string {
			return signJWT(t, rsaKey, jwt.SigningMethodRS256, "k1", validClaims())
		}},
		{"hs256 via shared secret", func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", validClaims())
		}},
		{"expired within leeway", func(t *testing.T) string {
			claims := validClaims()
			claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", claims)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sub string
			handler := JWTAuthenticator(testIdentityCfg(), testSecret, jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sub, _ = ClaimsFrom(r.Context())["sub"].(string)
				w.WriteHeader(http.StatusNoContent)
			}))

			w := serveWithToken(handler, tt.token(t))
			if w.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want 204: %s", w.Code, w.Body.String())
			}
			if sub != "operator-1" {
				t.Errorf("sub = %q, want operator-1", sub)
			}
		})
	}
}

func TestJWTAuthenticator_rejects(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwks := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("k1", &rsaKey.PublicKey)).URL, time.Hour, nil)
	jwks.minRefresh = 0

	withClaim := func(key string, value any) jwt.MapClaims {
		claims := validClaims()
		if value == nil {
			delete(claims, key)
		} else {
			claims[key] = value
		}
		return claims
	}

	tests := []struct {
		name   string
		cfg    func(config.IdentityConfig) config.IdentityConfig
		secret []byte
		token  func(t *testing.T) string
	}{
		{"missing header", nil, testSecret, func(*testing.T) string { return "" }},
		{"expired", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", withClaim("exp", jwt.NewNumericDate(time.Now().Add(-time.Hour))))
		}},
		{"missing exp", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", withClaim("exp", nil))
		}},
		{"wrong issuer", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", withClaim("iss", "https://evil.example.com"))
		}},
		{"wrong audience", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", withClaim("aud", "someone-else"))
		}},
		{"wrong secret", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, []byte("not-the-secret"), jwt.SigningMethodHS256, "", validClaims())
		}},
		{"hmac without secret", nil, nil, func(t *testing.T) string {
			return signJWT(t, testSecret, jwt.SigningMethodHS256, "", validClaims())
		}},
		{"unknown kid", nil, testSecret, func(t *testing.T) string {
			return signJWT(t, rsaKey, jwt.SigningMethodRS256, "k2", validClaims())
		}},
		{"disallowed algorithm", func(c config.IdentityConfig) config.IdentityConfig {
			c.Algorithms = []string{"ES256"}
			return c
		}, testSecret, func(t *testing.T) string {
			return signJWT(t, rsaKey, jwt.SigningMethodRS256, "k1", validClaims())
		}},
	}

	messages := map[string]string{
		"missing header":      "Missing authorization header",
		"expired":             "Token expired",
		"missing exp":         "Token missing required claim",
		"wrong issuer":        "Invalid token issuer",
		"wrong audience":      "Invalid token audience",
		"wrong secret":        "Invalid token signature",
		"hmac without secret": "Unknown signing key",
		"unknown kid":         "Unknown signing key",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.cfg != nil {
				cfg = tt.cfg(cfg)
			}
			handler := JWTAuthenticator(cfg, tt.secret, jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be called")
			}))

			w := serveWithToken(handler, tt.token(t))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want, ok := messages[tt.name]; ok && body.Error.Message != want {
				t.Errorf("message = %q, want %q", body.Error.Message, want)
			}
		})
	}
}

func TestNewAuthenticator(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.Enabled = false
	auth, err := NewAuthenticator(cfg, nil)
	if err != nil || auth != nil {
		t.Fatalf("disabled: auth = %v, err = %v; want nil, nil", auth != nil, err)
	}

	cfg.Enabled = true
	cfg.SecretEnv = "STEPPER_TEST_JWT_SECRET"
	if _, err := NewAuthenticator(cfg, nil); err == nil {
		t.Fatal("expected error when no key source is configured")
	}

	t.Setenv("STEPPER_TEST_JWT_SECRET", string(testSecret))
	auth, err = NewAuthenticator(cfg, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	handler := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := serveWithToken(handler, signJWT(t, testSecret, jwt.SigningMethodHS256, "", validClaims()))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
