package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{
			name:       "許可されたオリジンにヘッダーが設定されること",
			allowed:    []string{"http://localhost:3000", "https://example.com"},
			method:     http.MethodGet,
			origin:     "https://example.com",
			wantOrigin: "https://example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "許可されていないオリジンにはヘッダーが設定されないこと",
			allowed:    []string{"http://localhost:3000"},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantOrigin: "",
			wantStatus: http.StatusOK,
		},
		{
			name:       "ワイルドカードは全オリジンを許可すること",
			allowed:    []string{"*"},
			method:     http.MethodGet,
			origin:     "https://any.example",
			wantOrigin: "https://any.example",
			wantStatus: http.StatusOK,
		},
		{
			name:       "プリフライトリクエストは204で終了すること",
			allowed:    []string{"http://localhost:3000"},
			method:     http.MethodOptions,
			origin:     "http://localhost:3000",
			wantOrigin: "http://localhost:3000",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(CORS(tt.allowed))
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			req := httptest.NewRequest(tt.method, "/test", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}
