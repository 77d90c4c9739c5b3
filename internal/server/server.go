package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"wallet-chat-proxy/internal/config"
	"wallet-chat-proxy/internal/domain"
	"wallet-chat-proxy/internal/usecase"
)

const (
	correlationHeader   = "X-Correlation-Id"
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	// Leaves room for the upstream deadline plus response encoding.
	writeSlack = 15 * time.Second

	msgMethodNotAllowed = "Method not allowed"
	msgNotFound         = "Not found"
)

// ChatUseCase is the core the server forwards to.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Server struct {
	cfg     config.Config
	uc      ChatUseCase
	app     *echo.Echo
	address string
	logger  *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, uc ChatUseCase, opts ...Option) (*Server, error) {
	if uc == nil {
		return nil, errors.New("server: chat use case must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		uc:      uc,
		address: fmt.Sprintf(":%d", cfg.Port),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	extractor, err := ipExtractor(cfg)
	if err != nil {
		return nil, err
	}
	e.IPExtractor = extractor

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: correlationHeader,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:  true,
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogRemoteIP: true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
				"correlation_id", c.Response().Header().Get(correlationHeader),
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, correlationHeader},
		ExposeHeaders: []string{correlationHeader},
	}))

	s.app = e
	s.registerRoutes()
	return s, nil
}

// ipExtractor decides which address keys rate limiting. Forwarded headers are
// only honoured when the peer is inside a configured proxy range.
func ipExtractor(cfg config.Config) (echo.IPExtractor, error) {
	nets, err := cfg.TrustedProxyNets()
	if err != nil {
		return nil, err
	}
	if len(nets) == 0 {
		return echo.ExtractIPDirect(), nil
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...), nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.address, err)
	}
	s.logger.Info("starting server", "addr", ln.Addr().String())

	httpServer := &http.Server{
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.UpstreamTimeout + writeSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/api/chat", s.handleChat)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(c echo.Context) error {
	body, err := s.readBody(c)
	if err != nil {
		return err
	}

	messages, err := usecase.DecodeChatRequest(body)
	if err != nil {
		return err
	}

	out, err := s.uc.Chat(c.Request().Context(), usecase.ChatInput{
		Messages: messages,
		ClientID: c.RealIP(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domain.ChatResponse{Message: out.Message})
}

func (s *Server) readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &usecase.Error{
				Code:   usecase.ErrorInvalidRequest,
				Reason: "body_too_large",
				Status: http.StatusRequestEntityTooLarge,
				Detail: "request body too large",
				Err:    err,
			}
		}
		return nil, &usecase.Error{
			Code:   usecase.ErrorInvalidRequest,
			Reason: "body_read_error",
			Detail: "could not read request body",
			Err:    err,
		}
	}
	return body, nil
}

// errorHandler writes every failure as {"error": "..."}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusMethodNotAllowed:
			_ = c.JSON(he.Code, domain.ErrorResponse{Error: msgMethodNotAllowed})
			return
		case http.StatusNotFound:
			_ = c.JSON(he.Code, domain.ErrorResponse{Error: msgNotFound})
			return
		}
		if he.Code < http.StatusInternalServerError {
			_ = c.JSON(he.Code, domain.ErrorResponse{Error: http.StatusText(he.Code)})
			return
		}
	}

	status, body := usecase.ErrorResponse(err)
	attrs := []any{
		"status", status,
		"correlation_id", c.Response().Header().Get(correlationHeader),
		"err", err,
	}
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		attrs = append(attrs, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("chat request failed", attrs...)
	} else {
		s.logger.Warn("chat request rejected", attrs...)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
