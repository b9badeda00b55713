package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// TestParseLevel は文字列からログレベルへの変換を検証する。
func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  zerolog.Level
	}{
		{name: "debugを変換できること", input: "debug", want: zerolog.DebugLevel},
		{name: "大文字でも変換できること", input: "WARN", want: zerolog.WarnLevel},
		{name: "warningをwarnとして扱うこと", input: "warning", want: zerolog.WarnLevel},
		{name: "errorを変換できること", input: "error", want: zerolog.ErrorLevel},
		{name: "不明な値はinfoになること", input: "verbose", want: zerolog.InfoLevel},
		{name: "空文字列はinfoになること", input: "", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestSlogHandler はslogからzerologへの出力変換を検証する。
func TestSlogHandler(t *testing.T) {
	t.Parallel()

	t.Run("属性とメッセージがJSONとして出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		l := slog.New(NewSlogHandler(zerolog.New(&buf)))
		l.Info("配信完了", "channel", "email", "attempts", 2, "cause", errors.New("boom"))

		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("ログ出力のパースに失敗: %v (%s)", err, buf.String())
		}
		if got["message"] != "配信完了" {
			t.Errorf("message = %v, want %q", got["message"], "配信完了")
		}
		if got["channel"] != "email" {
			t.Errorf("channel = %v, want %q", got["channel"], "email")
		}
		if got["attempts"] != float64(2) {
			t.Errorf("attempts = %v, want 2", got["attempts"])
		}
		if got["cause"] != "boom" {
			t.Errorf("cause = %v, want %q", got["cause"], "boom")
		}
	})

	t.Run("グループ名がキーに前置されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		l := slog.New(NewSlogHandler(zerolog.New(&buf))).WithGroup("consumer").With("topic", "order_created")
		l.Warn("再接続します")

		if !strings.Contains(buf.String(), `"consumer.topic":"order_created"`) {
			t.Errorf("グループ付きキーが出力されていない: %s", buf.String())
		}
	})

	t.Run("ロガーのレベル未満は出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		l := slog.New(NewSlogHandler(zerolog.New(&buf).Level(zerolog.WarnLevel)))
		l.Info("出力されない")
		l.Debug("これも出力されない")

		if buf.Len() != 0 {
			t.Errorf("出力が空であるべき: %s", buf.String())
		}
	})
}
