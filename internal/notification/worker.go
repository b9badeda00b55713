package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nao1215/ordernotify/internal/notification/delivery"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/metrics"
)

// skipFactor は宛先未設定などで配信できない通知を先送りする間隔（スイープ間隔の倍数）。
const skipFactor = 12

// WorkerConfig は配信ワーカーの設定。
type WorkerConfig struct {
	// Interval はスイープの間隔。
	Interval time.Duration
	// BatchSize は1回のスイープで処理する最大件数。
	BatchSize int
	// MaxAttempts は配信を断念するまでの試行回数。
	MaxAttempts int
	// RetryBase は再試行間隔の初期値。
	RetryBase time.Duration
	// RetryCap は再試行間隔の上限。
	RetryCap time.Duration
	// EmailRate は1秒あたりのメール送信上限。
	EmailRate float64
	// EmailBurst はメール送信のバースト許容数。
	EmailBurst int
}

// WorkerConfigFrom はアプリケーション設定からWorkerConfigを作る。
func WorkerConfigFrom(c config.WorkerConfig) WorkerConfig {
	return WorkerConfig{
		Interval:    c.Interval,
		BatchSize:   c.BatchSize,
		MaxAttempts: c.MaxAttempts,
		RetryBase:   c.RetryBase,
		RetryCap:    c.RetryCap,
		EmailRate:   c.EmailRate,
		EmailBurst:  c.EmailBurst,
	}
}

// SweepResult は1回のスイープの集計。
type SweepResult struct {
	// Scanned は取得した未配信通知の件数。
	Scanned int
	// Sent は配信に成功した件数。
	Sent int
	// Retried は失敗して再試行を予定した件数。
	Retried int
	// Failed は試行回数の上限に達して断念した件数。
	Failed int
	// Skipped は設定により配信しなかった件数。
	Skipped int
	// Errors は状態の更新に失敗した件数。
	Errors int
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeSkipped
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetry:
		return "retry"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// DeliveryWorker は未配信の通知を定期的に取り出してチャネルへ配信する。
// Sweepは同一プロセス内で同時に実行されない。複数プロセスでの同時実行は想定しない。
type DeliveryWorker struct {
	store   *Store
	prefs   *PreferenceResolver
	email   delivery.EmailTransport
	sms     delivery.SMSTransport
	cfg     WorkerConfig
	limiter *rate.Limiter
	// mu はスイープの同時実行を防ぐ。
	mu  sync.Mutex
	now func() time.Time
	log zerolog.Logger
}

// NewDeliveryWorker は新しいDeliveryWorkerを生成する。smsがnilの場合、SMS通知は配信しない。
func NewDeliveryWorker(store *Store, prefs *PreferenceResolver, email delivery.EmailTransport, sms delivery.SMSTransport, cfg WorkerConfig) *DeliveryWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = time.Hour
	}
	limit := rate.Inf
	if cfg.EmailRate > 0 {
		limit = rate.Limit(cfg.EmailRate)
	}
	burst := cfg.EmailBurst
	if burst <= 0 {
		burst = 1
	}
	return &DeliveryWorker{
		store:   store,
		prefs:   prefs,
		email:   email,
		sms:     sms,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.With("delivery_worker"),
	}
}

// Serve はInterval毎にSweepを実行する。ctxがキャンセルされるとctx.Err()を返す。
func (w *DeliveryWorker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := w.Sweep(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("配信スイープに失敗しました")
				continue
			}
			if res.Scanned > 0 {
				w.log.Info().
					Int("scanned", res.Scanned).
					Int("sent", res.Sent).
					Int("retried", res.Retried).
					Int("failed", res.Failed).
					Int("skipped", res.Skipped).
					Msg("配信スイープが完了しました")
			}
		}
	}
}

// Sweep は配信期限に達した未配信通知を最大BatchSize件処理する。
// 1件の失敗は他の通知の処理を止めない。
func (w *DeliveryWorker) Sweep(ctx context.Context) (SweepResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	recs, err := w.store.ListUnsent(ctx, w.cfg.BatchSize, w.now())
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(recs)}
	for _, r := range recs {
		if ctx.Err() != nil {
			break
		}
		o := w.deliver(ctx, r)
		metrics.Deliveries.WithLabelValues(string(r.Channel), o.String()).Inc()
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeSkipped:
			res.Skipped++
		default:
			res.Errors++
		}
	}
	return res, nil
}

// deliver は1件の通知を配信して状態を更新する。
// 送信後の状態更新はctxがキャンセルされていても行う。
func (w *DeliveryWorker) deliver(ctx context.Context, r Record) outcome {
	l := w.log.With().Str("notification_id", r.ID).Str("channel", string(r.Channel)).Logger()
	persist := context.WithoutCancel(ctx)

	pref, err := w.prefs.Resolve(ctx, r.UserID)
	if err != nil {
		l.Error().Err(err).Msg("通知設定の取得に失敗しました")
		return outcomeError
	}

	switch r.Channel {
	case ChannelInApp:
		return w.markSent(persist, l, r)

	case ChannelEmail:
		if !pref.Allows(ChannelEmail) {
			return w.skip(persist, l, r, "メール通知が無効、または宛先が未設定です")
		}
		subject, html, err := RenderEmail(r)
		if err != nil {
			return w.fail(persist, l, r, err)
		}
		if err := w.limiter.Wait(ctx); err != nil {
			l.Debug().Err(err).Msg("送信待ちが中断されました")
			return outcomeError
		}
		if err := w.email.Send(ctx, pref.Email, subject, html); err != nil {
			return w.fail(persist, l, r, err)
		}
		return w.markSent(persist, l, r)

	case ChannelSMS:
		if w.sms == nil || !pref.Allows(ChannelSMS) {
			return w.skip(persist, l, r, "SMS通知が無効、または宛先が未設定です")
		}
		if err := w.sms.Send(ctx, pref.Phone, r.Content); err != nil {
			return w.fail(persist, l, r, err)
		}
		return w.markSent(persist, l, r)

	default:
		return w.fail(persist, l, r, fmt.Errorf("未知のチャネルです: %q", r.Channel))
	}
}

func (w *DeliveryWorker) markSent(ctx context.Context, l zerolog.Logger, r Record) outcome {
	if err := w.store.MarkSent(ctx, r.ID); err != nil {
		l.Error().Err(err).Msg("配信済みの記録に失敗しました")
		return outcomeError
	}
	l.Debug().Msg("通知を配信しました")
	return outcomeSent
}

func (w *DeliveryWorker) skip(ctx context.Context, l zerolog.Logger, r Record, reason string) outcome {
	until := w.now().Add(w.cfg.Interval * skipFactor)
	if err := w.store.Defer(ctx, r.ID, until, reason); err != nil {
		l.Error().Err(err).Msg("配信の先送りに失敗しました")
		return outcomeError
	}
	l.Debug().Str("reason", reason).Time("next_attempt_at", until).Msg("通知の配信を見送りました")
	return outcomeSkipped
}

// fail は配信失敗を記録する。恒久的な失敗は再試行間隔を上限まで延ばす。
func (w *DeliveryWorker) fail(ctx context.Context, l zerolog.Logger, r Record, cause error) outcome {
	delay := w.retryDelay(r.Attempts + 1)
	if !delivery.IsTransient(cause) {
		delay = w.cfg.RetryCap
	}
	next := w.now().Add(delay)

	updated, err := w.store.MarkAttemptFailed(ctx, r.ID, cause.Error(), next, w.cfg.MaxAttempts)
	if errors.Is(err, ErrNotFound) {
		// 別の経路で配信済みになった。
		return outcomeError
	}
	if err != nil {
		l.Error().Err(err).Msg("配信失敗の記録に失敗しました")
		return outcomeError
	}
	if updated.Failed {
		l.Error().Err(cause).Int("attempts", updated.Attempts).Msg("試行回数の上限に達したため配信を断念しました")
		return outcomeFailed
	}
	l.Warn().Err(cause).Int("attempts", updated.Attempts).Time("next_attempt_at", next).Msg("配信に失敗しました。再試行します")
	return outcomeRetry
}

// retryDelay はattempt回目の失敗後の再試行間隔を返す。RetryBaseから倍々に増え、RetryCapで頭打ちになる。
func (w *DeliveryWorker) retryDelay(attempt int) time.Duration {
	d := w.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.RetryCap || d <= 0 {
			return w.cfg.RetryCap
		}
	}
	if d > w.cfg.RetryCap {
		return w.cfg.RetryCap
	}
	return d
}
