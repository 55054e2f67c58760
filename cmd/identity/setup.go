package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"github.com/aelexs/identity-service/internal/auth"
	"github.com/aelexs/identity-service/internal/config"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/dynamo"
	"github.com/aelexs/identity-service/internal/identity/adapter"
	"github.com/aelexs/identity-service/internal/identity/app"
	"github.com/aelexs/identity-service/internal/identity/port"
	"github.com/aelexs/identity-service/internal/redis"
	"github.com/aelexs/identity-service/internal/server"
)

// setup is the identity service composition root.
func setup(ctx context.Context, deps server.SetupDeps) (_ *server.Service, err error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// closers run in reverse order if setup fails part way.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// 1. Infrastructure clients.
	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password.Expose(),
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	closers = append(closers, redisClient.Close)
	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.Redis.ReadyTimeout)
	err = redisClient.WaitReady(readyCtx, logger, 2*cfg.Redis.Timeout)
	cancelReady()
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}

	awsCfg, err := dynamo.LoadAWSConfig(ctx, dynamo.Config{
		Endpoint: firstNonEmpty(cfg.DynamoDB.Endpoint, cfg.AWS.Endpoint),
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}
	dynamoDB := dynamodb.NewFromConfig(awsCfg)

	// 2. Secrets and signing keys.
	secrets, err := loadSecrets(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}
	keyStore, err := createKeyStore(cfg, secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}

	// 3. Adapters.
	store := createTokenStore(cfg, redisClient, dynamoDB, clock, logger)
	directory := adapter.NewDynamoDirectory(dynamoDB, cfg.DynamoDB.CustomersTable, clock)
	events, closeEvents := createSecurityEvents(cfg, logger)
	closers = append(closers, closeEvents)
	smsNotifier := createSMSNotifier(cfg, awsCfg, logger)
	emailNotifier, err := createEmailNotifier(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}

	// 4. Auth core.
	deriver, err := auth.NewDeriver(auth.DeriverConfig{
		Secret: secrets.OTPSecret,
		Length: cfg.OTP.Length,
		Window: cfg.OTP.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}
	signer, err := auth.NewLinkSigner(secrets.LinkSecret)
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore: keyStore,
		TTL:      cfg.Session.TTL,
		Issuer:   cfg.Session.Issuer,
		Audience: cfg.Session.Audience,
		Clock:    clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.Session.Issuer,
		Audience: cfg.Session.Audience,
		Clock:    clock,
	})

	// 5. Lifecycles.
	otpSvc := app.NewOTPService(app.OTPServiceConfig{
		Store:           store,
		Deriver:         deriver,
		SMS:             smsNotifier,
		Directory:       directory,
		Events:          events,
		Minter:          minter,
		Clock:           clock,
		Logger:          logger,
		Expiry:          cfg.OTP.Expiry,
		ResendWait:      cfg.OTP.ResendWait,
		NotifyTimeout:   cfg.Notify.Timeout,
		SignupTicketTTL: cfg.OTP.SignupTicketTTL,
		ExposeCode:      cfg.ExposeCodes(),
	})
	linkSvc, err := app.NewLoginLinkService(app.LoginLinkServiceConfig{
		Store:         store,
		Signer:        signer,
		Email:         emailNotifier,
		Directory:     directory,
		Events:        events,
		Minter:        minter,
		Clock:         clock,
		Logger:        logger,
		Expiry:        cfg.LoginLink.Expiry,
		NotifyTimeout: cfg.Notify.Timeout,
		BaseURL:       cfg.LoginLink.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}
	signupSvc := app.NewSignupService(app.SignupServiceConfig{
		Store:       store,
		Directory:   directory,
		Events:      events,
		Minter:      minter,
		Clock:       clock,
		Logger:      logger,
		SnapshotTTL: cfg.OTP.Expiry,
	})

	rules := make(map[domain.OperationClass]app.RateRule)
	for class, rule := range cfg.Rate.Rules() {
		rules[class] = app.RateRule{Limit: rule.Limit, Window: rule.Window}
	}
	gate, err := app.NewRateGate(app.RateGateConfig{
		Counter: adapter.NewRedisRateCounter(redisClient.RDB),
		Rules:   rules,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("identity setup: %w", err)
	}

	// 6. HTTP.
	handler := port.NewHandler(port.HandlerConfig{
		OTP:        otpSvc,
		LoginLinks: linkSvc,
		Signup:     signupSvc,
		Gate:       gate,
		Sessions:   validator,
		Logger:     logger,
		DevMode:    cfg.ExposeCodes(),
	})
	trustedProxies, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	router := port.NewRouter(ctx, handler, port.RouterConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		IPRate:         rate.Limit(cfg.HTTP.IPRate),
		IPBurst:        cfg.HTTP.IPBurst,
		TrustedProxies: trustedProxies,
	})

	logger.InfoContext(ctx, "identity service initialized",
		slog.String("store", cfg.Store.Backend),
		slog.String("sms", cfg.SMS.Provider),
		slog.String("email", cfg.Email.Provider),
		slog.String("events", cfg.Events.Sink),
		slog.Bool("dev_mode", cfg.ExposeCodes()),
	)

	return &server.Service{
		Handler: router,
		Ready: func(ctx context.Context) error {
			return redisClient.RDB.Ping(ctx).Err()
		},
		Cleanup: func(_ context.Context) error {
			return errors.Join(closeEvents(), redisClient.Close())
		},
	}, nil
}

// loadSecrets returns the HMAC secrets and optional signing key. Local runs
// without configured secrets get random ones, so codes and links do not
// survive a restart.
func loadSecrets(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (adapter.SecretBundle, error) {
	if cfg.Secrets.Source == "aws" {
		return adapter.LoadAWSSecrets(ctx,
			secretsmanager.NewFromConfig(awsCfg),
			ssm.NewFromConfig(awsCfg),
			cfg.Secrets.SSMParameter,
		)
	}

	bundle := adapter.SecretBundle{
		OTPSecret:     cfg.Secrets.OTP,
		LinkSecret:    cfg.Secrets.Link,
		SigningKeyPEM: cfg.Secrets.SigningKeyPEM,
		SigningKeyID:  cfg.Secrets.SigningKeyID,
	}
	if !cfg.IsLocal() {
		return bundle, nil
	}
	var err error
	if bundle.OTPSecret.IsEmpty() {
		logger.Warn("no OTP secret configured, generating a random one for local development")
		if bundle.OTPSecret, err = randomSecret(); err != nil {
			return adapter.SecretBundle{}, err
		}
	}
	if bundle.LinkSecret.IsEmpty() {
		logger.Warn("no login link secret configured, generating a random one for local development")
		if bundle.LinkSecret, err = randomSecret(); err != nil {
			return adapter.SecretBundle{}, err
		}
	}
	return bundle, nil
}

func randomSecret() (domain.SecretString, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return domain.SecretString(hex.EncodeToString(b)), nil
}

// createKeyStore parses the configured signing key. Without one, local and
// dev fall back to an ephemeral key; prod refuses to start.
func createKeyStore(cfg *config.Config, secrets adapter.SecretBundle, logger *slog.Logger) (auth.KeyStore, error) {
	keyID := firstNonEmpty(secrets.SigningKeyID, cfg.Secrets.SigningKeyID)
	var (
		ks  *auth.StaticKeyStore
		err error
	)
	switch {
	case !secrets.SigningKeyPEM.IsEmpty():
		ks, err = auth.NewPEMKeyStore([]byte(secrets.SigningKeyPEM.Expose()), keyID)
	case cfg.IsProd():
		return nil, fmt.Errorf("session signing key: %w", domain.ErrConfigRequired)
	default:
		logger.Warn("no signing key configured, sessions will not survive a restart", slog.String("key_id", keyID))
		ks, err = auth.NewEphemeralKeyStore(keyID)
	}
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func createTokenStore(cfg *config.Config, rc *redis.Client, db *dynamodb.Client, clock domain.Clock, logger *slog.Logger) app.TokenStore {
	if cfg.Store.Backend == "dynamodb" {
		logger.Info("using DynamoDB token store", slog.String("table", cfg.DynamoDB.TokensTable))
		return adapter.NewDynamoTokenStore(db, cfg.DynamoDB.TokensTable, clock)
	}
	return adapter.NewRedisTokenStore(rc.RDB)
}

func createSMSNotifier(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) app.SMSNotifier {
	if cfg.SMS.Provider == "sns" {
		return adapter.NewSNSSMSNotifier(sns.NewFromConfig(awsCfg), cfg.SMS.SenderID)
	}
	logger.Info("using log-only SMS notifier")
	return adapter.NewLogSMSNotifier(logger)
}

func createEmailNotifier(cfg *config.Config, logger *slog.Logger) (app.EmailNotifier, error) {
	if cfg.Email.Provider == "smtp" {
		n, err := adapter.NewSMTPEmailNotifier(adapter.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			StartTLS: cfg.SMTP.StartTLS,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	logger.Info("using log-only email notifier")
	return adapter.NewLogEmailNotifier(logger), nil
}

// createSecurityEvents returns the event sink and its close function.
func createSecurityEvents(cfg *config.Config, logger *slog.Logger) (app.SecurityEventPublisher, func() error) {
	if cfg.Events.Sink == "kafka" {
		events := adapter.NewKafkaSecurityEvents(adapter.NewKafkaWriter(adapter.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}))
		return events, events.Close
	}
	return adapter.NewLogSecurityEvents(logger), func() error { return nil }
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
