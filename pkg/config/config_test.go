package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefault は既定値がそのまま検証を通ることを確認する。
func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("既定値の検証に失敗: %v", err)
	}
	if cfg.Worker.Interval != 5*time.Second {
		t.Errorf("Worker.Interval = %v, want 5s", cfg.Worker.Interval)
	}
	if cfg.Worker.BatchSize != 10 {
		t.Errorf("Worker.BatchSize = %d, want 10", cfg.Worker.BatchSize)
	}
	if cfg.Publisher.MaxAttempts != 3 || cfg.Publisher.BaseDelay != 200*time.Millisecond {
		t.Errorf("Publisher = %+v", cfg.Publisher)
	}
	if strings.Join(cfg.Channels, ",") != "email,in-app" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
}

// TestLoad は設定ファイルと環境変数による上書きを検証する。
// 環境変数を変更するため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("ファイルが無い場合は既定値になること", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
		}
		if cfg.Broker.Kind != "memory" {
			t.Errorf("Broker.Kind = %q, want memory", cfg.Broker.Kind)
		}
	})

	t.Run("YAMLファイルの値で上書きされること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := `
server:
  port: 9090
worker:
  interval: 2s
  batch_size: 25
channels:
  - email
  - in-app
  - sms
sms:
  enabled: true
  account_sid: AC123
  auth_token: token
  from: "+15550000000"
`
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
		}
		if cfg.Worker.Interval != 2*time.Second || cfg.Worker.BatchSize != 25 {
			t.Errorf("Worker = %+v", cfg.Worker)
		}
		if len(cfg.Channels) != 3 {
			t.Errorf("Channels = %v", cfg.Channels)
		}
		if cfg.Worker.MaxAttempts != 5 {
			t.Errorf("ファイルに無い値は既定値のままであるべき: MaxAttempts = %d", cfg.Worker.MaxAttempts)
		}
	})

	t.Run("環境変数がファイルより優先されること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("ORDERNOTIFY_SERVER__PORT", "7070")
		t.Setenv("ORDERNOTIFY_WORKER__RETRY_BASE", "45s")
		t.Setenv("ORDERNOTIFY_CHANNELS", "in-app, email")
		t.Setenv("ORDERNOTIFY_BROKER__KIND", "nats")
		t.Setenv("ORDERNOTIFY_BROKER__URLS", "nats://a:4222,nats://b:4222")
		t.Setenv("SERVER__PORT", "1")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
		}
		if cfg.Worker.RetryBase != 45*time.Second {
			t.Errorf("Worker.RetryBase = %v, want 45s", cfg.Worker.RetryBase)
		}
		if strings.Join(cfg.Channels, ",") != "in-app,email" {
			t.Errorf("Channels = %v", cfg.Channels)
		}
		if len(cfg.Broker.URLs) != 2 || cfg.Broker.URLs[1] != "nats://b:4222" {
			t.Errorf("Broker.URLs = %v", cfg.Broker.URLs)
		}
	})

	t.Run("存在しないファイルはエラーになること", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("エラーが返されるべき")
		}
	})

	t.Run("不正な値は検証エラーになること", func(t *testing.T) {
		t.Setenv("ORDERNOTIFY_CHANNELS", "email,fax")
		if _, err := Load(""); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

// TestValidate は項目間の整合性チェックを検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "既定値は成功すること", mutate: func(*Config) {}},
		{name: "smtpでホストが空の場合は失敗すること", mutate: func(c *Config) { c.Email.Transport = "smtp" }, wantErr: true},
		{name: "httpでbase_urlが空の場合は失敗すること", mutate: func(c *Config) { c.Email.Transport = "http" }, wantErr: true},
		{name: "認証情報なしでSMSを有効にすると失敗すること", mutate: func(c *Config) { c.SMS.Enabled = true }, wantErr: true},
		{name: "kafkaでURLが空の場合は失敗すること", mutate: func(c *Config) {
			c.Broker.Kind = "kafka"
			c.Broker.URLs = nil
		}, wantErr: true},
		{name: "組み込みNATSならURLが空でも成功すること", mutate: func(c *Config) {
			c.Broker.Kind = "nats"
			c.Broker.URLs = nil
			c.Broker.NATS.Embedded = true
		}},
		{name: "リトライ上限が基準より短い場合は失敗すること", mutate: func(c *Config) { c.Worker.RetryCap = time.Second }, wantErr: true},
		{name: "未知のブローカーは失敗すること", mutate: func(c *Config) { c.Broker.Kind = "redis" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestEnvKey は環境変数名から設定キーへの変換を検証する。
func TestEnvKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "ORDERNOTIFY_SERVICE", want: "service"},
		{in: "ORDERNOTIFY_EMAIL__SMTP__HOST", want: "email.smtp.host"},
		{in: "ORDERNOTIFY_WORKER__MAX_ATTEMPTS", want: "worker.max_attempts"},
		{in: "PATH", want: ""},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
