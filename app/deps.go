package app

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/cache"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/monkey"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/payment"
	"github.com/freundallein/acm/backend/presentations"
	"github.com/freundallein/acm/backend/uploads"
)

// RetryPolicy of the notification outbox.
func RetryPolicy(cfg *config.AppConfig) storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxAttempts: cfg.Notification.RetryMax,
		Step:        cfg.Notification.RetryStep,
		MaxBackoff:  cfg.Notification.RetryBackoff,
	}
}

// OpenStore connects to Postgres.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*storage.PGStore, error) {
	store, err := storage.InitPGStore(ctx, storage.Config{
		DSN:      cfg.Storage.DSN,
		MaxConns: cfg.Storage.MaxConns,
		Retry:    RetryPolicy(cfg),
	})
	return store, errors.Wrap(err, "storage")
}

// QueueConfig fills AWS settings for one configured queue.
func QueueConfig(cfg *config.AppConfig, q config.QueueConfig) queue.Config {
	return queue.Config{
		Name:    q.Name,
		URL:     q.URL,
		Retries: q.Retries,

		//AWS specific
		Region:             cfg.AWS.Region,
		CredentialsFile:    cfg.AWS.CredentialsFile,
		CredentialsProfile: cfg.AWS.CredentialsProfile,
	}
}

// EmailProvider builds the rate limited SMTP provider.
func EmailProvider(cfg *config.AppConfig) (notification.Provider, error) {
	limit, err := config.ParseRate(cfg.Email.Rate)
	if err != nil {
		return nil, err
	}
	smtp := notification.NewSMTPProvider(&notification.SMTPConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		User:     cfg.Email.User,
		Password: cfg.Email.Password,
		UseTLS:   cfg.Email.UseTLS,
		From:     cfg.Email.From,
	})
	return notification.Limited(notification.Chaos(smtp, cfg.Email.Chaos), limit), nil
}

// Monkey injects pipeline failures when email.chaos is set.
func Monkey(cfg *config.AppConfig) *monkey.Monkey {
	return monkey.New(cfg.Email.Chaos)
}

// OpenDeps connects every external system the API uses. release frees them.
func OpenDeps(ctx context.Context, cfg *config.AppConfig) (deps *Deps, release func(), err error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	deps = &Deps{
		Store: store,
		Gateway: payment.NewZarinpal(payment.ZarinpalConfig{
			MerchantID:  cfg.Payment.MerchantID,
			CallbackURL: cfg.Payment.CallbackURL,
			GatewayURL:  cfg.Payment.GatewayURL,
			StartPayURL: cfg.Payment.StartPayURL,
			Timeout:     time.Duration(cfg.Payment.Timeout) * time.Second,
		}),
		Rooms: presentations.NewSkyroom(presentations.SkyroomConfig{
			BaseURL: cfg.Skyroom.BaseURL,
			APIKey:  cfg.Skyroom.APIKey,
			RoomID:  cfg.Skyroom.RoomID,
		}),
	}
	closers := []func(){store.Close}
	release = func() {
		for _, fn := range closers {
			fn()
		}
	}

	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			release()
			return nil, nil, errors.Wrap(err, "redis")
		}
		deps.Cache = redisCache
		closers = append(closers, func() { redisCache.Close() })
	} else {
		log.WithFields(log.Fields{
			"event": "cache_in_memory",
		}).Warn("redis.url is empty, using a process local cache")
		deps.Cache = cache.NewMemoryCache()
	}

	if cfg.S3.Bucket != "" {
		s3, err := uploads.InitS3Store(uploads.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Folder:    cfg.S3.UploadsFolder,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			release()
			return nil, nil, errors.Wrap(err, "s3")
		}
		deps.Uploads = s3
	}
	return deps, release, nil
}
