package middleware

import (
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

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// signClaims は任意のクレームと署名方式でトークンを生成する。
func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims JWTClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return s
}

// TestGenerateJWT はGenerateJWTとVerifyJWTの往復を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	before := time.Now()
	tokenStr, err := GenerateJWT(testSecret, "U1", "u1@example.com")
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	claims, err := VerifyJWT(testSecret, tokenStr)
	if err != nil {
		t.Fatalf("VerifyJWT()でエラーが発生: %v", err)
	}
	if claims.UserID != "U1" || claims.Email != "u1@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Issuer != Issuer {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, Issuer)
	}
	wantExp := before.Add(TokenTTL)
	if d := claims.ExpiresAt.Sub(wantExp); d < -time.Minute || d > time.Minute {
		t.Errorf("ExpiresAt = %v, want about %v", claims.ExpiresAt.Time, wantExp)
	}
}

// TestVerifyJWT は不正なトークンが拒否されることを検証する。
func TestVerifyJWT(t *testing.T) {
	t.Parallel()

	valid := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "U1",
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noUser := valid
	noUser.UserID = ""
	noExp := JWTClaims{UserID: "U1"}

	tests := []struct {
		name  string
		token string
	}{
		{name: "別のシークレットで署名されたトークンは拒否されること", token: signClaims(t, jwt.SigningMethodHS256, []byte("other"), valid)},
		{name: "期限切れのトークンは拒否されること", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{name: "user_idの無いトークンは拒否されること", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), noUser)},
		{name: "有効期限の無いトークンは拒否されること", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), noExp)},
		{name: "署名なしのトークンは拒否されること", token: signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)},
		{name: "形式が不正な文字列は拒否されること", token: "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := VerifyJWT(testSecret, tt.token); err == nil {
				t.Error("エラーが返されるべき")
			}
		})
	}
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	newRouter := func() *gin.Engine {
		router := gin.New()
		router.Use(JWTAuth(testSecret))
		router.GET("/me", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "email": GetEmail(c)})
		})
		return router
	}

	token, err := GenerateJWT(testSecret, "U1", "u1@example.com")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "有効なトークンで200が返ること", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "ヘッダーが無い場合は401が返ること", header: "", wantStatus: http.StatusUnauthorized},
		{name: "Bearer以外の形式は401が返ること", header: "Basic " + token, wantStatus: http.StatusUnauthorized},
		{name: "不正なトークンは401が返ること", header: "Bearer invalid", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != `{"email":"u1@example.com","user_id":"U1"}` {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}
}
