package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nao1215/ordernotify/pkg/metrics"
)

// TestRequestLogger はリクエストの処理時間が記録されることを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(RequestLogger())
	router.GET("/logged/:id", func(c *gin.Context) {
		c.Status(http.StatusTeapot)
	})

	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logged/42", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTeapot)
	}
	if after := testutil.CollectAndCount(metrics.HTTPRequestDuration); after <= before {
		t.Errorf("メトリクスの系列数が増えていない: before=%d after=%d", before, after)
	}
}
