package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"wallet-chat-proxy/internal/domain"
	"wallet-chat-proxy/internal/usecase"
)

const (
	correlationHeader   = "X-Correlation-Id"
	defaultMaxBodyBytes = 1 << 20
	msgMethodNotAllowed = "Method not allowed"
)

// ChatUseCase is the core the handler forwards to.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	uc             ChatUseCase
	maxBodyBytes   int64
	allowedOrigins []string
	logger         *slog.Logger
}

type Option func(*Handler)

// WithMaxBodyBytes caps the decoded request body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithAllowedOrigins sets the CORS allow list. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.allowedOrigins = origins
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	h := &Handler{
		uc:             uc,
		maxBodyBytes:   defaultMaxBodyBytes,
		allowedOrigins: []string{"*"},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle serves POST /api/chat behind API Gateway. Failures are always
// written as a response; the returned error is reserved for the runtime and
// is always nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)
	headers := h.baseHeaders(correlationID, header(req.Headers, "Origin"))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in chat handler", "panic", r)
			resp = h.errorResponse(logger, headers, usecase.InternalError("panic", fmt.Errorf("%v", r)))
			err = nil
		}
	}()

	switch req.HTTPMethod {
	case http.MethodOptions:
		headers["Access-Control-Allow-Methods"] = "POST, OPTIONS"
		headers["Access-Control-Allow-Headers"] = "Content-Type, " + correlationHeader
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent, Headers: headers}, nil
	case http.MethodPost:
	default:
		headers["Allow"] = http.MethodPost
		return jsonResponse(http.StatusMethodNotAllowed, headers, domain.ErrorResponse{Error: msgMethodNotAllowed}), nil
	}

	body, err := h.readBody(req)
	if err != nil {
		return h.errorResponse(logger, headers, err), nil
	}

	messages, err := usecase.DecodeChatRequest(body)
	if err != nil {
		return h.errorResponse(logger, headers, err), nil
	}

	out, err := h.uc.Chat(ctx, usecase.ChatInput{
		Messages: messages,
		ClientID: req.RequestContext.Identity.SourceIP,
	})
	if err != nil {
		return h.errorResponse(logger, headers, err), nil
	}

	logger.Info("chat completed", "messages", len(messages))
	return jsonResponse(http.StatusOK, headers, domain.ChatResponse{Message: out.Message}), nil
}

func (h *Handler) readBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, &usecase.Error{
				Code:   usecase.ErrorInvalidRequest,
				Reason: "invalid_base64",
				Detail: "invalid request body encoding",
				Err:    err,
			}
		}
		body = decoded
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, &usecase.Error{
			Code:   usecase.ErrorInvalidRequest,
			Reason: "body_too_large",
			Status: http.StatusRequestEntityTooLarge,
			Detail: "request body too large",
		}
	}
	return body, nil
}

func (h *Handler) baseHeaders(correlationID, origin string) map[string]string {
	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
	if allowed := allowOrigin(h.allowedOrigins, origin); allowed != "" {
		headers["Access-Control-Allow-Origin"] = allowed
		if allowed != "*" {
			headers["Vary"] = "Origin"
		}
	}
	return headers
}

func (h *Handler) errorResponse(logger *slog.Logger, headers map[string]string, err error) events.APIGatewayProxyResponse {
	status, body := usecase.ErrorResponse(err)

	attrs := []any{"status", status, "err", err}
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		attrs = append(attrs, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("chat request failed", attrs...)
	} else {
		logger.Warn("chat request rejected", attrs...)
	}
	return jsonResponse(status, headers, body)
}

func jsonResponse(status int, headers map[string]string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"Internal server error"}`)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(b)}
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when the origin is not allowed.
func allowOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// header does a case-insensitive lookup; API Gateway does not normalise keys.
func header(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
