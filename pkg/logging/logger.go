// Package logging はzerologベースの構造化ログを全サービスに提供する。
//
// サービス起動時に Init を一度呼び出し、以降は Info() や Error() で
// ログを出力する。slogを要求するライブラリ（sutureslog、watermill）には
// Slog() が返すロガーを渡す。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定。
type Config struct {
	// Level は出力する最小ログレベル（debug, info, warn, error）。
	Level string `koanf:"level"`
	// Format は出力形式（json または console）。
	Format string `koanf:"format"`
	// Output はログの出力先。nilの場合は標準エラー出力。
	Output io.Writer `koanf:"-"`
}

var (
	// logger はグローバルロガー。
	logger zerolog.Logger
	// mu はloggerの再設定を保護する。
	mu sync.RWMutex
)

func init() {
	configure(Config{Level: "info", Format: "json"})
}

// Init はグローバルロガーを設定する。複数回呼び出してもよい。
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	configure(cfg)
}

// configure はロガーを構築する。muを保持した状態で呼び出すこと。
func configure(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

// parseLevel は文字列のログレベルをzerologのレベルに変換する。
// 不明な値はinfoとして扱う。
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger はグローバルロガーのコピーを返す。
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// With はコンポーネント名を付与した子ロガーを返す。
func With(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

// Debug はdebugレベルのイベントを開始する。
func Debug() *zerolog.Event {
	l := Logger()
	return l.Debug()
}

// Info はinfoレベルのイベントを開始する。
func Info() *zerolog.Event {
	l := Logger()
	return l.Info()
}

// Warn はwarnレベルのイベントを開始する。
func Warn() *zerolog.Event {
	l := Logger()
	return l.Warn()
}

// Error はerrorレベルのイベントを開始する。
func Error() *zerolog.Event {
	l := Logger()
	return l.Error()
}

// Slog はzerologへ出力するslog.Loggerを返す。
func Slog() *slog.Logger {
	return slog.New(NewSlogHandler(Logger()))
}
