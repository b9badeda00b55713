package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/ordernotify/internal/notification/delivery"
	"github.com/nao1215/ordernotify/internal/verification"
	"github.com/nao1215/ordernotify/pkg/logging"
	"github.com/nao1215/ordernotify/pkg/middleware"
)

// StateReporter は購読ループの状態を返す。
type StateReporter interface {
	State() State
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Service はヘルスチェックに表示するサービス名。
	Service string
	// Port はリッスンポート。
	Port int
	// JWTSecret はトークン検証に使う秘密鍵。
	JWTSecret string
	// CORSOrigins はクロスオリジンを許可するオリジン。
	CORSOrigins []string
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// ServerDeps はHTTPサーバーが使うコンポーネント。
type ServerDeps struct {
	// Store は通知レコードのストア。
	Store *Store
	// Prefs は通知設定のリゾルバ。
	Prefs *PreferenceResolver
	// Creator はAPIからの通知作成を行う。
	Creator *OrderEventHandler
	// Consumer は購読ループ。nilの場合、ヘルスチェックは状態を返さない。
	Consumer StateReporter
	// Verifier は連絡先の確認コードを管理する。nilの場合、確認APIは503を返す。
	Verifier *verification.Store
	// Email は確認コードの送信に使う。
	Email delivery.EmailTransport
	// SMS は確認コードの送信に使う。nilの場合、電話番号は確認できない。
	SMS delivery.SMSTransport
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバー設定。
	cfg ServerConfig
	// store は通知レコードのストア。
	store *Store
	// prefs は通知設定のリゾルバ。
	prefs *PreferenceResolver
	// creator はAPIからの通知作成を行う。
	creator *OrderEventHandler
	// consumer は購読ループ。
	consumer StateReporter
	// verifier は確認コードのストア。
	verifier *verification.Store
	// email は確認コードのメール送信に使う。
	email delivery.EmailTransport
	// sms は確認コードのSMS送信に使う。
	sms delivery.SMSTransport
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Service == "" {
		cfg.Service = "notification"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		store:    deps.Store,
		prefs:    deps.Prefs,
		creator:  deps.Creator,
		consumer: deps.Consumer,
		verifier: deps.Verifier,
		email:    deps.Email,
		sms:      deps.SMS,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", s.cfg.Port).Msg("HTTPサーバーを起動しました")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーが停止しました: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		// 通知作成（内部API - 注文サービスなどから呼び出される）
		internal := api.Group("/internal")
		internal.POST("/notifications", s.handleCreate())

		notifications := api.Group("/notifications")
		notifications.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 通知設定の取得と更新
			notifications.GET("/preferences", s.handleGetPreferences())
			notifications.PUT("/preferences", s.handleUpdatePreferences())
			// 連絡先の確認（コード送信と照合）
			notifications.POST("/preferences/verify/:channel/start", s.handleStartVerification())
			notifications.POST("/preferences/verify/:channel", s.handleVerify())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知取得
			notifications.GET("/:id", s.handleGet())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": s.cfg.Service}
		if s.consumer != nil {
			body["consumer_state"] = s.consumer.State()
		}
		c.JSON(http.StatusOK, body)
	}
}

// requireUser は認証済みユーザーIDを返す。取得できない場合は401を返してfalseを返す。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// writeError はストアのエラーをHTTPステータスに変換して返す。
func writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
	default:
		_ = c.Error(err)
		logging.Error().Err(err).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
// クエリ: type（チャネル、既定はin-app）、read（true/false）、page、per_page。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		params := ListParams{
			UserID:  userID,
			Channel: Channel(c.DefaultQuery("type", string(ChannelInApp))),
			Page:    queryInt(c, "page", 1),
			PerPage: queryInt(c, "per_page", DefaultPerPage),
		}
		if read, ok := c.GetQuery("read"); ok {
			isRead := strings.EqualFold(read, "true")
			params.IsRead = &isRead
		}

		page, err := s.store.List(c.Request.Context(), params)
		if err != nil {
			writeError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// queryInt は整数のクエリパラメータを返す。不正な値の場合はdefを返す。
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

// handleGet は指定された通知を返すハンドラ。所有者以外は403。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		r, err := s.store.Get(c.Request.Context(), c.Param("id"))
		if err == nil && r.UserID != userID {
			err = ErrUnauthorized
		}
		if err != nil {
			writeError(c, err, "通知の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		r, err := s.store.MarkRead(c.Request.Context(), c.Param("id"), userID)
		if err != nil {
			writeError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		n, err := s.store.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

// handleGetPreferences は通知設定を返すハンドラ。未作成なら既定値で作成する。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		p, err := s.prefs.Resolve(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err, "通知設定の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// handleUpdatePreferences は通知設定を部分更新するハンドラ。
func (s *Server) handleUpdatePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var patch PreferencePatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		p, err := s.prefs.Update(c.Request.Context(), userID, patch)
		if err != nil {
			writeError(c, err, "通知設定の更新に失敗しました")
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// createRequest は通知作成リクエストのJSON構造。
type createRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Type は通知種別。
	Type string `json:"type" binding:"required"`
	// Content はカスタム通知の本文。
	Content string `json:"content"`
	// Data は種別ごとのデータ。
	Data map[string]any `json:"data"`
}

// handleCreate は種別に応じた本文で通知を作成するハンドラ。
// 内部API（注文サービスなどから呼び出される）。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		data, err := dataFromMap(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("dataが不正です: %v", err)})
			return
		}

		ids, err := s.creator.CreateFromRequest(c.Request.Context(), CreateRequest{
			UserID:  req.UserID,
			Kind:    req.Type,
			Content: req.Content,
			Data:    data,
			Extra:   req.Data,
		})
		if err != nil {
			writeError(c, err, "通知の作成に失敗しました")
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"ids":     ids,
			"message": "通知を作成しました",
		})
	}
}

// startVerificationRequest は確認コード送信リクエストのJSON構造。
type startVerificationRequest struct {
	// Target は確認するメールアドレスまたは電話番号。
	Target string `json:"target" binding:"required"`
}

// verifyRequest は確認コード照合リクエストのJSON構造。
type verifyRequest struct {
	// Code は受け取った確認コード。
	Code string `json:"code" binding:"required"`
}

// handleStartVerification は連絡先に確認コードを送るハンドラ。
// :channel は email または sms。
func (s *Server) handleStartVerification() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if s.verifier == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "連絡先の確認は利用できません"})
			return
		}

		var req startVerificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ch := Channel(c.Param("channel"))
		send, ok := s.codeSender(ch)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("確認できないチャネルです: %s", ch)})
			return
		}

		code, err := s.verifier.Issue(c.Request.Context(), userID, string(ch), req.Target)
		if err != nil {
			writeError(c, err, "確認コードの発行に失敗しました")
			return
		}
		if err := send(c.Request.Context(), req.Target, code); err != nil {
			status := http.StatusBadGateway
			if !delivery.IsTransient(err) {
				status = http.StatusBadRequest
			}
			logging.Warn().Err(err).Str("channel", string(ch)).Msg("確認コードの送信に失敗しました")
			c.JSON(status, gin.H{"error": "確認コードの送信に失敗しました"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"expires_in": int(s.verifier.TTL().Seconds())})
	}
}

// codeSender はチャネルに応じた確認コードの送信関数を返す。
func (s *Server) codeSender(ch Channel) (func(ctx context.Context, to, code string) error, bool) {
	switch ch {
	case ChannelEmail:
		if s.email == nil {
			return nil, false
		}
		return func(ctx context.Context, to, code string) error {
			subject, html, err := RenderVerificationEmail(code, s.verifier.TTL())
			if err != nil {
				return err
			}
			return s.email.Send(ctx, to, subject, html)
		}, true
	case ChannelSMS:
		if s.sms == nil {
			return nil, false
		}
		return func(ctx context.Context, to, code string) error {
			return s.sms.Send(ctx, to, RenderVerificationSMS(code))
		}, true
	default:
		return nil, false
	}
}

// handleVerify は確認コードを照合し、一致すれば通知設定の宛先を更新するハンドラ。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if s.verifier == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "連絡先の確認は利用できません"})
			return
		}

		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ch := Channel(c.Param("channel"))
		if ch != ChannelEmail && ch != ChannelSMS {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("確認できないチャネルです: %s", ch)})
			return
		}

		target, err := s.verifier.Verify(c.Request.Context(), userID, string(ch), req.Code)
		switch {
		case errors.Is(err, verification.ErrInvalidCode):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		case errors.Is(err, verification.ErrExpired), errors.Is(err, verification.ErrTooManyAttempts):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
			return
		case err != nil:
			writeError(c, err, "確認コードの照合に失敗しました")
			return
		}

		var patch PreferencePatch
		if ch == ChannelEmail {
			patch.Email = &target
		} else {
			patch.Phone = &target
		}
		p, err := s.prefs.Update(c.Request.Context(), userID, patch)
		if err != nil {
			writeError(c, err, "通知設定の更新に失敗しました")
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
