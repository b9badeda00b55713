package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TestNew はオプションがクライアントに反映されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("既定のタイムアウトが設定されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("WithTimeoutでタイムアウトを変更できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithTimeout(2*time.Second))
		if client.httpClient.Timeout != 2*time.Second {
			t.Errorf("Timeout = %v, want 2s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("ボディとヘッダーを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			method, path, auth, contentType string
			sent                            testPayload
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			auth = r.Header.Get("Authorization")
			contentType = r.Header.Get("Content-Type")
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &sent)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		client := New(ts.URL, WithBearerToken("secret"))
		var result testPayload
		if err := client.PostJSON(context.Background(), "/v1/send", testPayload{Name: "request", Value: 100}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if method != http.MethodPost || path != "/v1/send" {
			t.Errorf("request = %s %s, want POST /v1/send", method, path)
		}
		if auth != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer secret")
		}
		if contentType != "application/json" {
			t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
		}
		if sent.Name != "request" || sent.Value != 100 {
			t.Errorf("sent = %+v", sent)
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("resultがnilの場合でもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := New(ts.URL).PostJSON(ctx, "/", testPayload{}, nil); err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestStatusError はステータスコードごとの再試行可否を検証する。
func TestStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantTemporary bool
	}{
		{name: "400は恒久的なエラーであること", status: http.StatusBadRequest, wantTemporary: false},
		{name: "401は恒久的なエラーであること", status: http.StatusUnauthorized, wantTemporary: false},
		{name: "429は一時的なエラーであること", status: http.StatusTooManyRequests, wantTemporary: true},
		{name: "500は一時的なエラーであること", status: http.StatusInternalServerError, wantTemporary: true},
		{name: "503は一時的なエラーであること", status: http.StatusServiceUnavailable, wantTemporary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"x"}`))
			}))
			defer ts.Close()

			var result testPayload
			err := New(ts.URL).GetJSON(context.Background(), "/", &result)
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("StatusErrorではない: %v", err)
			}
			if se.Code != tt.status {
				t.Errorf("Code = %d, want %d", se.Code, tt.status)
			}
			if got := IsTemporary(err); got != tt.wantTemporary {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.wantTemporary)
			}
		})
	}

	t.Run("接続できない場合は一時的なエラーであること", func(t *testing.T) {
		t.Parallel()

		err := New("http://127.0.0.1:1").GetJSON(context.Background(), "/", nil)
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		if !IsTemporary(err) {
			t.Errorf("IsTemporary() = false: %v", err)
		}
	})

	t.Run("nilは一時的なエラーではないこと", func(t *testing.T) {
		t.Parallel()
		if IsTemporary(nil) {
			t.Error("IsTemporary(nil) = true")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("レスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			_ = json.NewEncoder(w).Encode(testPayload{Name: "get-response", Value: 42})
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/status", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if result.Value != 42 {
			t.Errorf("result.Value = %d, want 42", result.Value)
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{invalid json}`))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}
