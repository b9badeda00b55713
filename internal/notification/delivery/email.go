package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/httpclient"
	"github.com/nao1215/ordernotify/pkg/logging"
)

const channelEmail = "email"

// NewEmailTransport は設定に応じたメールトランスポートを生成する。
func NewEmailTransport(cfg config.EmailConfig) (EmailTransport, error) {
	switch cfg.Transport {
	case "", "log":
		return LogTransport{}, nil
	case "smtp":
		return NewSMTPTransport(cfg.SMTP, cfg.From), nil
	case "http":
		return NewHTTPTransport(cfg.HTTP, cfg.From), nil
	default:
		return nil, fmt.Errorf("未知のメールトランスポートです: %q", cfg.Transport)
	}
}

// LogTransport は送信せずにログへ記録するトランスポート。
// 認証情報が設定されていない環境で使う。
type LogTransport struct{}

// Send はメールの内容をログに記録する。
func (LogTransport) Send(_ context.Context, to, subject, html string) error {
	logging.Info().
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(html)).
		Msg("メール送信（ログのみ）")
	return nil
}

// SMTPTransport はSMTPサーバー経由でメールを送信する。
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	from     string
	useTLS   bool
	timeout  time.Duration
}

// NewSMTPTransport は新しいSMTPTransportを生成する。
func NewSMTPTransport(cfg config.SMTPConfig, from string) *SMTPTransport {
	return &SMTPTransport{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     from,
		useTLS:   cfg.UseTLS,
		timeout:  30 * time.Second,
	}
}

// Send はHTML本文のメールを送信する。
func (t *SMTPTransport) Send(ctx context.Context, to, subject, html string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return permanent(channelEmail, errors.New("宛先または件名に改行が含まれています"))
	}
	if err := t.send(ctx, to, buildMessage(t.from, to, subject, html)); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func buildMessage(from, to, subject, html string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	return []byte(b.String())
}

func (t *SMTPTransport) send(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SMTPサーバーへの接続に失敗: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.timeout))
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("SMTPクライアントの生成に失敗: %w", err)
	}
	defer func() { _ = client.Close() }()

	if t.useTLS {
		if err := client.StartTLS(&tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("STARTTLSに失敗: %w", err)
		}
	}
	if t.username != "" && t.password != "" {
		if err := client.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
			return fmt.Errorf("SMTP認証に失敗: %w", err)
		}
	}
	if err := client.Mail(t.from); err != nil {
		return fmt.Errorf("送信元の指定に失敗: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("宛先の指定に失敗: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("本文送信の開始に失敗: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("本文の書き込みに失敗: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("本文送信の完了に失敗: %w", err)
	}
	_ = client.Quit()
	return nil
}

// classifySMTPError はSMTPの応答コードから再試行可否を判定する。
// 4xxは一時的、5xxは恒久的な失敗。応答コードの無いエラー（接続失敗など）は一時的とする。
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return permanent(channelEmail, err)
		}
		return transient(channelEmail, err)
	}
	return transient(channelEmail, err)
}

// HTTPTransport はHTTPのメール送信APIを呼び出す。
type HTTPTransport struct {
	client *httpclient.Client
	path   string
	from   string
}

// NewHTTPTransport は新しいHTTPTransportを生成する。
func NewHTTPTransport(cfg config.HTTPConfig, from string) *HTTPTransport {
	opts := []httpclient.Option{}
	if cfg.Timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.Timeout))
	}
	if cfg.APIKey != "" {
		opts = append(opts, httpclient.WithBearerToken(cfg.APIKey))
	}
	return &HTTPTransport{
		client: httpclient.New(cfg.BaseURL, opts...),
		path:   cfg.Path,
		from:   from,
	}
}

// sendEmailRequest はメール送信APIのリクエストボディ。
type sendEmailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send はメール送信APIへPOSTする。5xx、429、通信エラーは一時的な失敗として扱う。
func (t *HTTPTransport) Send(ctx context.Context, to, subject, html string) error {
	req := sendEmailRequest{From: t.from, To: to, Subject: subject, HTML: html}
	if err := t.client.PostJSON(ctx, t.path, req, nil); err != nil {
		if httpclient.IsTemporary(err) {
			return transient(channelEmail, err)
		}
		return permanent(channelEmail, err)
	}
	return nil
}
