// Package app wires configuration into a ready ChatService. Both the Lambda
// and the long-running server build their core through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"wallet-chat-proxy/internal/config"
	"wallet-chat-proxy/internal/integrations/deepseek"
	"wallet-chat-proxy/internal/integrations/paramstore"
	"wallet-chat-proxy/internal/ratelimit"
	"wallet-chat-proxy/internal/usecase"
)

// SSMAPI is satisfied by *ssm.Client.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// DynamoDBAPI is satisfied by *dynamodb.Client.
type DynamoDBAPI interface {
	UpdateItem(ctx context.Context, in *awsdynamodb.UpdateItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error)
}

// RedisAPI is satisfied by *redis.Client.
type RedisAPI interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
}

var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

var dialRedis = func(ctx context.Context, url string) (RedisAPI, func() error, error) {
	client, err := ratelimit.NewRedisClient(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

type App struct {
	Service *usecase.ChatService

	closers []func() error
}

type Option func(*builder)

// WithSSM overrides the SSM client used to resolve DEEPSEEK_API_KEY_PARAM.
func WithSSM(api SSMAPI) Option {
	return func(b *builder) { b.ssm = api }
}

// WithDynamoDB overrides the DynamoDB client used for rate limiting.
func WithDynamoDB(api DynamoDBAPI) Option {
	return func(b *builder) { b.dynamo = api }
}

// WithRedis overrides the Redis client used for rate limiting.
func WithRedis(api RedisAPI) Option {
	return func(b *builder) { b.redis = api }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *builder) {
		if l != nil {
			b.logger = l
		}
	}
}

type builder struct {
	cfg    config.Config
	ssm    SSMAPI
	dynamo DynamoDBAPI
	redis  RedisAPI
	logger *slog.Logger

	awsCfg  *aws.Config
	closers []func() error
}

// New builds the upstream client, resolves the credential, and picks the
// rate limit backend. AWS configuration is only loaded when SSM or DynamoDB is
// actually needed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	b := &builder{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	clientOpts := []deepseek.Option{deepseek.WithTimeout(cfg.UpstreamTimeout)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, deepseek.WithBaseURL(cfg.BaseURL))
	}
	llm, err := deepseek.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create deepseek client: %w", err)
	}

	apiKey := b.resolveAPIKey(ctx)

	svcOpts := []usecase.Option{usecase.WithLogger(b.logger)}
	limiter, backend, err := b.buildLimiter(ctx)
	if err != nil {
		b.close()
		return nil, err
	}
	if limiter != nil {
		svcOpts = append(svcOpts, usecase.WithRateLimiter(limiter))
	}

	svc, err := usecase.NewChatService(llm, usecase.Config{
		APIKey:          apiKey,
		UpstreamTimeout: cfg.UpstreamTimeout,
		MaxMessages:     cfg.MaxMessages,
	}, svcOpts...)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}

	b.logger.Info("chat proxy configured",
		"api_key", svc.CredentialState(),
		"rate_limit", backend,
		"upstream_timeout", cfg.UpstreamTimeout.String(),
		"max_messages", cfg.MaxMessages,
	)
	return &App{Service: svc, closers: b.closers}, nil
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// resolveAPIKey prefers the environment. An SSM failure is logged and leaves
// the key missing, which every request then reports as a configuration error.
func (b *builder) resolveAPIKey(ctx context.Context) string {
	if b.cfg.APIKey != "" || b.cfg.APIKeyParam == "" {
		return b.cfg.APIKey
	}

	api := b.ssm
	if api == nil {
		awsCfg, err := b.aws(ctx)
		if err != nil {
			b.logger.Error("failed to load AWS config for api key lookup", "err", err)
			return ""
		}
		api = awsssm.NewFromConfig(awsCfg)
	}

	store, err := paramstore.New(api)
	if err != nil {
		b.logger.Error("failed to create SSM client", "err", err)
		return ""
	}
	key, err := store.Token(ctx, b.cfg.APIKeyParam)
	if err != nil {
		b.logger.Error("failed to read api key from SSM", "param", b.cfg.APIKeyParam, "err", err)
		return ""
	}
	return key
}

func (b *builder) buildLimiter(ctx context.Context) (usecase.RateLimiter, string, error) {
	rl := b.cfg.RateLimit
	if !rl.Enabled() {
		return nil, "disabled", nil
	}
	window := ratelimit.Window{Limit: rl.Limit, Size: rl.Window}

	if rl.Table != "" {
		api := b.dynamo
		if api == nil {
			awsCfg, err := b.aws(ctx)
			if err != nil {
				return nil, "", fmt.Errorf("app: load AWS config: %w", err)
			}
			api = awsdynamodb.NewFromConfig(awsCfg)
		}
		l, err := ratelimit.NewDynamoDBLimiter(api, rl.Table, window)
		if err != nil {
			return nil, "", fmt.Errorf("app: create dynamodb limiter: %w", err)
		}
		return l, "dynamodb", nil
	}

	api := b.redis
	if api == nil {
		client, closeFn, err := dialRedis(ctx, rl.RedisURL)
		if err != nil {
			return nil, "", fmt.Errorf("app: connect redis: %w", err)
		}
		b.closers = append(b.closers, closeFn)
		api = client
	}
	l, err := ratelimit.NewRedisLimiter(api, window)
	if err != nil {
		return nil, "", fmt.Errorf("app: create redis limiter: %w", err)
	}
	return l, "redis", nil
}

func (b *builder) aws(ctx context.Context) (aws.Config, error) {
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return aws.Config{}, err
	}
	b.awsCfg = &cfg
	return cfg, nil
}

func (b *builder) close() {
	for _, c := range b.closers {
		_ = c()
	}
}
