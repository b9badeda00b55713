package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nao1215/ordernotify/internal/notification"
	"github.com/nao1215/ordernotify/internal/order"
	"github.com/nao1215/ordernotify/internal/publisher"
	"github.com/nao1215/ordernotify/pkg/broker"
	"github.com/nao1215/ordernotify/pkg/config"
	"github.com/nao1215/ordernotify/pkg/event"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/middleware"
)

// session はコマンド1回分の接続を保持する。
type session struct {
	db     *sql.DB
	broker broker.Broker
	pub    *publisher.Publisher
	orders *order.Service

	wait    time.Duration
	mem     *broker.Memory
	svc     *notification.Service
	stopSvc context.CancelFunc
	svcDone chan error
}

// openSession は注文DBとブローカーに接続する。
// ブローカーがmemoryの場合は同じプロセスで通知サービスを起動する。
func openSession(ctx context.Context, cfg *config.Config, wait time.Duration) (_ *session, err error) {
	s := &session{wait: wait}
	defer func() {
		if err != nil {
			s.wait = 0
			s.close()
		}
	}()

	if cfg.Broker.Kind == "memory" {
		s.mem = broker.NewMemory()
		s.svc, err = notification.NewService(ctx, cfg, s.mem)
		if err != nil {
			return nil, err
		}
		svcCtx, cancel := context.WithCancel(ctx)
		s.stopSvc = cancel
		s.svcDone = make(chan error, 1)
		go func() { s.svcDone <- s.svc.Serve(svcCtx) }()
	}

	dialer, err := broker.NewDialer(cfg.Broker, s.mem)
	if err != nil {
		return nil, err
	}
	s.broker, err = dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	s.pub = publisher.New(s.broker, publisher.ConfigFrom(cfg.Publisher))

	s.db, err = order.OpenDB(ctx, cfg.Order.DatabasePath)
	if err != nil {
		return nil, err
	}
	s.orders = order.NewService(s.db, s.pub, nil)
	return s, nil
}

// close は接続を閉じる。通知サービスを起動している場合はwaitの間だけ動かしてから止める。
func (s *session) close() {
	if s.svc != nil {
		if s.svcDone != nil {
			logging.Info().Dur("wait", s.wait).Msg("通知サービスの処理を待っています")
			select {
			case <-time.After(s.wait):
			case err := <-s.svcDone:
				s.svcDone <- err
			}
			s.stopSvc()
			if err := <-s.svcDone; err != nil {
				logging.Error().Err(err).Msg("通知サービスが異常終了しました")
			}
		}
		if err := s.svc.Close(); err != nil {
			logging.Error().Err(err).Msg("通知サービスの終了処理に失敗しました")
		}
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			logging.Error().Err(err).Msg("ブローカーの切断に失敗しました")
		}
	}
	if s.mem != nil {
		_ = s.mem.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logging.Error().Err(err).Msg("注文DBのクローズに失敗しました")
		}
	}
}

// itemsFlag は -item product_id:quantity:price を繰り返し受け取る。
type itemsFlag []order.Item

func (f *itemsFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, i := range *f {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", i.ProductID, i.Quantity, i.Price))
	}
	return strings.Join(parts, ",")
}

func (f *itemsFlag) Set(v string) error {
	item, err := parseItem(v)
	if err != nil {
		return err
	}
	*f = append(*f, item)
	return nil
}

// parseItem は product_id:quantity:price 形式の明細を解析する。
func parseItem(v string) (order.Item, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return order.Item{}, fmt.Errorf("明細の形式が不正です（product_id:quantity:price）: %q", v)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return order.Item{}, fmt.Errorf("数量が不正です: %q: %w", parts[1], err)
	}
	if _, err := strconv.ParseFloat(parts[2], 64); err != nil {
		return order.Item{}, fmt.Errorf("金額が不正です: %q: %w", parts[2], err)
	}
	return order.Item{ProductID: parts[0], Quantity: qty, Price: json.Number(parts[2])}, nil
}

func newFlagSet(name string) (*flag.FlagSet, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	wait := fs.Duration("wait", 3*time.Second, "memoryブローカーのとき同じプロセスの通知サービスを動かす時間")
	return fs, wait
}

// printJSON は結果を整形して出力する。
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("出力の作成に失敗: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

type publishResult struct {
	Ack   *publisher.Ack `json:"ack,omitempty"`
	Error string         `json:"publish_error,omitempty"`
}

func newPublishResult(ack *publisher.Ack, err error) publishResult {
	r := publishResult{Ack: ack}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func runPlace(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs, wait := newFlagSet("place")
	var items itemsFlag
	orderID := fs.String("order", "", "注文ID（省略時は採番）")
	userID := fs.String("user", "", "注文者のユーザーID")
	address := fs.String("address", "", "配送先住所")
	method := fs.String("payment", "card", "決済方法")
	fs.Var(&items, "item", "明細 product_id:quantity:price（複数指定可）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, *wait)
	if err != nil {
		return err
	}
	defer s.close()

	placed, err := s.orders.PlaceOrder(ctx, order.PlaceRequest{
		OrderID:         *orderID,
		UserID:          *userID,
		Items:           items,
		ShippingAddress: *address,
		PaymentMethod:   *method,
	})
	if err != nil {
		return err
	}
	return printJSON(stdout, struct {
		Order   order.Order   `json:"order"`
		Payment order.Payment `json:"payment"`
		publishResult
	}{placed.Order, placed.Payment, newPublishResult(placed.Ack, placed.PublishErr)})
}

func runCancel(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs, wait := newFlagSet("cancel")
	orderID := fs.String("order", "", "注文ID")
	userID := fs.String("user", "", "注文者のユーザーID")
	reason := fs.String("reason", "", "キャンセル理由")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, *wait)
	if err != nil {
		return err
	}
	defer s.close()

	ch, err := s.orders.Cancel(ctx, *orderID, *userID, *reason)
	if err != nil {
		return err
	}
	return printChanged(stdout, ch)
}

func runStatus(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs, wait := newFlagSet("status")
	orderID := fs.String("order", "", "注文ID")
	status := fs.String("to", "", "変更後のステータス（pending, processing, shipped, delivered, cancelled）")
	tracking := fs.String("tracking", "", "配送追跡番号（shipped）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	next, err := order.ParseStatus(*status)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, *wait)
	if err != nil {
		return err
	}
	defer s.close()

	ch, err := s.orders.UpdateStatus(ctx, *orderID, next, *tracking)
	if err != nil {
		return err
	}
	return printChanged(stdout, ch)
}

func printChanged(w io.Writer, ch order.Changed) error {
	return printJSON(w, struct {
		Order order.Order `json:"order"`
		publishResult
	}{ch.Order, newPublishResult(ch.Ack, ch.PublishErr)})
}

func runPublish(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader, stdout io.Writer) error {
	fs, wait := newFlagSet("publish")
	path := fs.String("f", "-", "イベントのJSONファイル（-は標準入力）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := readInput(*path, stdin)
	if err != nil {
		return err
	}
	ev, err := event.Decode(data)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cfg, *wait)
	if err != nil {
		return err
	}
	defer s.close()

	ack, err := s.pub.Publish(ctx, ev)
	if err != nil {
		return err
	}
	return printJSON(stdout, ack)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("標準入力の読み込みに失敗: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	return data, nil
}

func runToken(cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "ユーザーID")
	email := fs.String("email", "", "メールアドレス")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("-userを指定してください")
	}
	token, err := middleware.GenerateJWT(cfg.Auth.JWTSecret, *userID, *email)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
