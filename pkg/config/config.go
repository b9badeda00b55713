// Package config は通知パイプラインの設定を読み込む。
//
// 読み込み順は 既定値 → YAMLファイル → 環境変数 で、後のものが優先される。
// 環境変数は ORDERNOTIFY_ で始まるものだけを対象とし、"__" を階層の
// 区切りとして扱う（例: ORDERNOTIFY_WORKER__BATCH_SIZE → worker.batch_size）。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/nao1215/ordernotify/pkg/logging"
)

// EnvPrefix は設定として読み込む環境変数の接頭辞。
const EnvPrefix = "ORDERNOTIFY_"

// PathEnvVar は設定ファイルのパスを指定する環境変数名。
const PathEnvVar = "CONFIG_PATH"

// Config はアプリケーション全体の設定。
type Config struct {
	// Service はログやヘルスチェックに表示するサービス名。
	Service string `koanf:"service" validate:"required"`
	// Server はHTTPサーバーの設定。
	Server ServerConfig `koanf:"server"`
	// Database は通知DBの設定。
	Database DatabaseConfig `koanf:"database"`
	// Order は注文サービスの設定。
	Order OrderConfig `koanf:"order"`
	// Auth は認証の設定。
	Auth AuthConfig `koanf:"auth"`
	// Broker はメッセージブローカーの設定。
	Broker BrokerConfig `koanf:"broker"`
	// Publisher はイベント発行の設定。
	Publisher PublisherConfig `koanf:"publisher"`
	// Consumer はイベント購読ループの設定。
	Consumer ConsumerConfig `koanf:"consumer"`
	// Worker は配信ワーカーの設定。
	Worker WorkerConfig `koanf:"worker"`
	// Channels はイベント受信時に通知を作成するチャネルの一覧。
	Channels []string `koanf:"channels" validate:"min=1,dive,oneof=email in-app sms"`
	// Email はメール送信の設定。
	Email EmailConfig `koanf:"email"`
	// SMS はSMS送信の設定。
	SMS SMSConfig `koanf:"sms"`
	// Verification は確認コードの設定。
	Verification VerificationConfig `koanf:"verification"`
	// Log はログの設定。
	Log logging.Config `koanf:"log"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// CORSOrigins はクロスオリジンを許可するオリジン。"*" で全て許可する。
	CORSOrigins []string `koanf:"cors_origins"`
}

// DatabaseConfig はSQLiteデータベースの設定。
type DatabaseConfig struct {
	// Path はDBファイルのパス。":memory:" も指定できる。
	Path string `koanf:"path" validate:"required"`
}

// OrderConfig は注文サービスの設定。
type OrderConfig struct {
	DatabasePath string `koanf:"database_path" validate:"required"`
}

// AuthConfig はJWT認証の設定。
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"required"`
}

// BrokerConfig はメッセージブローカーの設定。
type BrokerConfig struct {
	// Kind はブローカーの種類（memory, nats, kafka）。
	Kind string `koanf:"kind" validate:"oneof=memory nats kafka"`
	// URLs は接続先。NATSはURL、Kafkaはブローカーアドレスの一覧。
	URLs []string `koanf:"urls"`
	// Topics は購読するトピック（イベント種別）の一覧。
	Topics []string `koanf:"topics" validate:"min=1"`
	// NATS はNATS JetStream固有の設定。
	NATS NATSConfig `koanf:"nats"`
	// Kafka はKafka固有の設定。
	Kafka KafkaConfig `koanf:"kafka"`
}

// NATSConfig はNATS JetStream固有の設定。
type NATSConfig struct {
	// Durable はJetStreamの永続コンシューマ名の接頭辞。
	Durable string `koanf:"durable"`
	// QueueGroup は負荷分散用のキューグループ名。
	QueueGroup string `koanf:"queue_group"`
	// Embedded がtrueの場合、プロセス内でNATSサーバーを起動する。
	Embedded bool `koanf:"embedded"`
	// StoreDir は組み込みサーバーのJetStream保存先。
	StoreDir string `koanf:"store_dir"`
	// Port は組み込みサーバーの待ち受けポート。
	Port int `koanf:"port"`
}

// KafkaConfig はKafka固有の設定。
type KafkaConfig struct {
	GroupID string `koanf:"group_id"`
}

// PublisherConfig はイベント発行のリトライとサーキットブレーカーの設定。
type PublisherConfig struct {
	MaxAttempts     int           `koanf:"max_attempts" validate:"min=1"`
	BaseDelay       time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay        time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier      float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter          float64       `koanf:"jitter" validate:"gte=0,lt=1"`
	AttemptTimeout  time.Duration `koanf:"attempt_timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ConsumerConfig はイベント購読ループの設定。
type ConsumerConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	// DedupTTL は処理済みイベントIDを記憶する期間。0で無効。
	DedupTTL time.Duration `koanf:"dedup_ttl" validate:"gte=0"`
	// DedupDir は処理済みキャッシュの保存先。空の場合はメモリ上に保持する。
	DedupDir string `koanf:"dedup_dir"`
}

// WorkerConfig は配信ワーカーの設定。
type WorkerConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize   int           `koanf:"batch_size" validate:"min=1"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
	RetryBase   time.Duration `koanf:"retry_base" validate:"gt=0"`
	RetryCap    time.Duration `koanf:"retry_cap" validate:"gtefield=RetryBase"`
	// EmailRate は1秒あたりのメール送信上限。
	EmailRate  float64 `koanf:"email_rate" validate:"gt=0"`
	EmailBurst int     `koanf:"email_burst" validate:"min=1"`
}

// EmailConfig はメール送信の設定。
type EmailConfig struct {
	// Transport は送信方式（log, smtp, http）。
	Transport string     `koanf:"transport" validate:"oneof=log smtp http"`
	From      string     `koanf:"from"`
	SMTP      SMTPConfig `koanf:"smtp"`
	HTTP      HTTPConfig `koanf:"http"`
}

// SMTPConfig はSMTPサーバーの設定。
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// UseTLS がtrueの場合はSTARTTLSを要求する。
	UseTLS bool `koanf:"use_tls"`
}

// HTTPConfig はHTTPメールAPIの設定。
type HTTPConfig struct {
	BaseURL string        `koanf:"base_url"`
	Path    string        `koanf:"path"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// SMSConfig はTwilioによるSMS送信の設定。
type SMSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	From       string `koanf:"from"`
}

// VerificationConfig は確認コードの保存設定。
type VerificationConfig struct {
	Dir string        `koanf:"dir"`
	TTL time.Duration `koanf:"ttl" validate:"gt=0"`
}

// Default は既定値を設定したConfigを返す。
func Default() *Config {
	return &Config{
		Service: "notification",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "notification.db"},
		Order:    OrderConfig{DatabasePath: "order.db"},
		Auth:     AuthConfig{JWTSecret: "dev-secret-change-me"},
		Broker: BrokerConfig{
			Kind:   "memory",
			URLs:   []string{"nats://127.0.0.1:4222"},
			Topics: []string{"order_created", "order_shipped", "order_cancelled", "order_status_changed"},
			NATS: NATSConfig{
				Durable:    "notification",
				QueueGroup: "notification",
				StoreDir:   "data/nats",
				Port:       4222,
			},
			Kafka: KafkaConfig{GroupID: "notification"},
		},
		Publisher: PublisherConfig{
			MaxAttempts:     3,
			BaseDelay:       200 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
			AttemptTimeout:  2 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Consumer: ConsumerConfig{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			DedupTTL:       24 * time.Hour,
		},
		Worker: WorkerConfig{
			Interval:    5 * time.Second,
			BatchSize:   10,
			MaxAttempts: 5,
			RetryBase:   30 * time.Second,
			RetryCap:    time.Hour,
			EmailRate:   10,
			EmailBurst:  5,
		},
		Channels: []string{"email", "in-app"},
		Email: EmailConfig{
			Transport: "log",
			From:      "noreply@example.com",
			SMTP:      SMTPConfig{Port: 587, UseTLS: true},
			HTTP:      HTTPConfig{Path: "/v1/send", Timeout: 10 * time.Second},
		},
		Verification: VerificationConfig{TTL: 15 * time.Minute},
		Log:          logging.Config{Level: "info", Format: "json"},
	}
}

// Load は既定値、YAMLファイル、環境変数の順に設定を読み込んで検証する。
// pathが空の場合は設定ファイルを読まない。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("既定値の読み込みに失敗: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("設定ファイル %s が見つかりません: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}
	if c.Broker.Kind != "memory" && len(c.Broker.URLs) == 0 && !c.Broker.NATS.Embedded {
		return fmt.Errorf("設定の検証に失敗: broker.urls が空です（kind=%s）", c.Broker.Kind)
	}
	switch c.Email.Transport {
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("設定の検証に失敗: email.smtp.host が空です")
		}
	case "http":
		if c.Email.HTTP.BaseURL == "" {
			return fmt.Errorf("設定の検証に失敗: email.http.base_url が空です")
		}
	}
	if c.SMS.Enabled && (c.SMS.AccountSID == "" || c.SMS.AuthToken == "" || c.SMS.From == "") {
		return fmt.Errorf("設定の検証に失敗: sms を有効にするには account_sid, auth_token, from が必要です")
	}
	return nil
}

// envKey は環境変数名を設定キーに変換する。接頭辞の無い変数は無視する。
func envKey(key string) string {
	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// sliceFields はカンマ区切り文字列をスライスとして扱う設定キー。
var sliceFields = []string{
	"channels",
	"broker.urls",
	"broker.topics",
	"server.cors_origins",
}

// splitSliceFields は環境変数から来たカンマ区切りの値をスライスに変換する。
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("%s の変換に失敗: %w", path, err)
		}
	}
	return nil
}
