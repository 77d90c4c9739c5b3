package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wallet-chat-proxy/internal/domain"
)

// Upstream generation policy. These bound cost and are never taken from the
// client payload.
const (
	ModelID     = "deepseek-chat"
	Temperature = 0.7
	MaxTokens   = 1000

	defaultUpstreamTimeout = 30 * time.Second
	redactedCredential     = "[redacted]"
)

// ChatCompleter forwards one completion request upstream and returns the text
// of the first choice.
type ChatCompleter interface {
	Complete(ctx context.Context, apiKey string, req domain.CompletionRequest) (string, error)
}

// RateLimiter reports whether clientID may make another request in the
// current window.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type upstreamMessager interface {
	UpstreamMessage() string
}

// Config is fixed when the service is built.
type Config struct {
	APIKey          string
	UpstreamTimeout time.Duration
	// MaxMessages caps the conversation length. Zero means unbounded.
	MaxMessages int
}

type ChatService struct {
	llm     ChatCompleter
	limiter RateLimiter
	apiKey  string
	timeout time.Duration
	maxMsgs int
	logger  *slog.Logger
}

type Option func(*ChatService)

func WithRateLimiter(l RateLimiter) Option {
	return func(s *ChatService) {
		s.limiter = l
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

type ChatInput struct {
	Messages []domain.ChatMessage
	// ClientID keys rate limiting, usually the caller's source IP.
	ClientID string
}

type ChatOutput struct {
	Message string
}

// NewChatService builds the proxy core. An empty APIKey is accepted here and
// reported as CONFIGURATION_ERROR on every call.
func NewChatService(llm ChatCompleter, cfg Config, opts ...Option) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: chat completer must not be nil")
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("usecase: max messages must not be negative")
	}
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	s := &ChatService{
		llm:     llm,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		timeout: timeout,
		maxMsgs: cfg.MaxMessages,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CredentialState is safe to log.
func (s *ChatService) CredentialState() string {
	return credentialState(s.apiKey)
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if err := s.validate(in.Messages); err != nil {
		return ChatOutput{}, err
	}
	if s.apiKey == "" {
		s.logger.Error("chat credential is not configured", "api_key", credentialState(s.apiKey))
		return ChatOutput{}, newError(ErrorConfiguration, "missing_api_key", nil)
	}
	if err := s.checkRateLimit(ctx, in.ClientID); err != nil {
		return ChatOutput{}, err
	}

	req := domain.CompletionRequest{
		Model:       ModelID,
		Messages:    reshape(in.Messages),
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.llm.Complete(callCtx, s.apiKey, req)
	if err != nil {
		ucErr := s.classifyUpstream(err)
		s.logger.Warn("chat upstream failure",
			"code", ucErr.Code,
			"reason", ucErr.Reason,
			"status", ucErr.HTTPStatus(),
			"messages", len(req.Messages),
			"api_key", credentialState(s.apiKey),
			"err", ucErr.Err,
		)
		return ChatOutput{}, ucErr
	}
	return ChatOutput{Message: text}, nil
}

func (s *ChatService) validate(messages []domain.ChatMessage) error {
	if messages == nil {
		return invalidRequest("messages_missing", msgMessagesRequired)
	}
	if s.maxMsgs > 0 && len(messages) > s.maxMsgs {
		return invalidRequest("too_many_messages", fmt.Sprintf("Invalid request: at most %d messages are allowed", s.maxMsgs))
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return invalidRequest("invalid_message", fmt.Sprintf("Invalid request: messages[%d] has unsupported role %q", i, string(m.Role)))
		}
	}
	return nil
}

func (s *ChatService) checkRateLimit(ctx context.Context, clientID string) error {
	if s.limiter == nil || clientID == "" {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, clientID)
	if err != nil {
		// Fail open.
		s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
		return nil
	}
	if !allowed {
		return newError(ErrorRateLimited, "window_exhausted", nil)
	}
	return nil
}

func (s *ChatService) classifyUpstream(err error) *Error {
	cause := s.scrub(err)
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		ucErr := newError(ErrorUpstream, "upstream_status", cause)
		status := statusErr.HTTPStatusCode()
		if status >= 400 && status <= 599 {
			ucErr.Status = status
		}
		var msgErr upstreamMessager
		if errors.As(err, &msgErr) {
			if msg := strings.TrimSpace(msgErr.UpstreamMessage()); msg != "" {
				ucErr.Detail = s.redact(msg)
			}
		}
		return ucErr
	}
	if errors.Is(err, domain.ErrMalformedCompletion) {
		ucErr := newError(ErrorUpstream, "malformed_response", cause)
		ucErr.Status = http.StatusBadGateway
		return ucErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstreamUnavailable, "upstream_timeout", cause)
	}
	return newError(ErrorUpstreamUnavailable, "upstream_transport", cause)
}

// scrubbedError keeps err in the chain while its text has the credential
// replaced.
type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }

func (e *scrubbedError) Unwrap() error { return e.err }

func (s *ChatService) scrub(err error) error {
	return &scrubbedError{msg: s.redact(err.Error()), err: err}
}

func (s *ChatService) redact(text string) string {
	if s.apiKey == "" {
		return text
	}
	return strings.ReplaceAll(text, s.apiKey, redactedCredential)
}

// reshape copies only role and content so nothing else reaches the upstream.
func reshape(messages []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = domain.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func credentialState(key string) string {
	if strings.TrimSpace(key) == "" {
		return "missing"
	}
	return "configured"
}
