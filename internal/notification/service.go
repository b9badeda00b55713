package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nao1215/ordernotify/internal/notification/delivery"
	"github.com/nao1215/ordernotify/internal/verification"
	"github.com/nao1215/ordernotify/pkg/broker"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/ttlstore"
)

// Service は通知サービス全体（HTTPサーバー、購読ループ、配信ワーカー）を束ねる。
// 各ループはsutureの監視ツリーで動かし、異常終了時は再起動する。
type Service struct {
	// Store は通知レコードのストア。
	Store *Store
	// Prefs は通知設定のリゾルバ。
	Prefs *PreferenceResolver
	// Handler は注文イベントのハンドラ。
	Handler *OrderEventHandler
	// Consumer は購読ループ。
	Consumer *Consumer
	// Worker は配信ワーカー。
	Worker *DeliveryWorker
	// Server はHTTPサーバー。
	Server *Server

	db         *sql.DB
	kv         *ttlstore.Store
	embedded   *broker.EmbeddedNATS
	supervisor *suture.Supervisor
}

// NewService は設定から通知サービスを組み立てる。
// broker.kindがmemoryの場合はmemを共有ブローカーとして使う（nilなら新規作成）。
func NewService(ctx context.Context, cfg *config.Config, mem *broker.Memory) (svc *Service, err error) {
	s := &Service{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.db, err = OpenDB(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.kv, err = ttlstore.Open(cfg.Consumer.DedupDir)
	if err != nil {
		return nil, err
	}

	brokerCfg := cfg.Broker
	if brokerCfg.Kind == "nats" && brokerCfg.NATS.Embedded {
		s.embedded, err = broker.StartEmbeddedNATS(brokerCfg.NATS.StoreDir, brokerCfg.NATS.Port)
		if err != nil {
			return nil, err
		}
		brokerCfg.URLs = []string{s.embedded.ClientURL()}
		logging.Info().Str("url", s.embedded.ClientURL()).Msg("組み込みNATSサーバーを起動しました")
	}
	if brokerCfg.Kind == "memory" && mem == nil {
		mem = broker.NewMemory()
	}
	dialer, err := broker.NewDialer(brokerCfg, mem)
	if err != nil {
		return nil, err
	}

	email, err := delivery.NewEmailTransport(cfg.Email)
	if err != nil {
		return nil, err
	}
	var sms delivery.SMSTransport
	if t := delivery.NewTwilioSMS(cfg.SMS); t != nil {
		sms = t
	}

	channels := make([]Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, Channel(ch))
	}

	s.Store = NewStore(s.db)
	s.Prefs = NewPreferenceResolver(s.db)
	s.Handler = NewOrderEventHandler(s.Store, channels)

	var seen *ttlstore.Store
	if cfg.Consumer.DedupTTL > 0 {
		seen = s.kv.Namespace("processed")
	}
	s.Consumer = NewConsumer(dialer, s.Handler, ConsumerConfigFrom(brokerCfg, cfg.Consumer), seen)
	s.Worker = NewDeliveryWorker(s.Store, s.Prefs, email, sms, WorkerConfigFrom(cfg.Worker))
	s.Server = NewServer(ServerConfig{
		Service:         cfg.Service,
		Port:            cfg.Server.Port,
		JWTSecret:       cfg.Auth.JWTSecret,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, ServerDeps{
		Store:    s.Store,
		Prefs:    s.Prefs,
		Creator:  s.Handler,
		Consumer: s.Consumer,
		Verifier: verification.New(s.kv, cfg.Verification.TTL),
		Email:    email,
		SMS:      sms,
	})

	handler := &sutureslog.Handler{Logger: logging.Slog()}
	s.supervisor = suture.New(cfg.Service, suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   cfg.Server.ShutdownTimeout,
	})
	if s.embedded != nil {
		s.supervisor.Add(s.embedded)
	}
	s.supervisor.Add(s.kv)
	s.supervisor.Add(s.Consumer)
	s.supervisor.Add(s.Worker)
	s.supervisor.Add(s.Server)

	return s, nil
}

// Serve はctxがキャンセルされるまで全てのループを動かす。
func (s *Service) Serve(ctx context.Context) error {
	err := s.supervisor.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close はデータベースとストアを閉じる。Serveが戻った後に呼び出すこと。
func (s *Service) Close() error {
	var errs []error
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ttlstoreのクローズに失敗: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("データベースのクローズに失敗: %w", err))
		}
	}
	if s.embedded != nil {
		s.embedded.Shutdown()
	}
	return errors.Join(errs...)
}
