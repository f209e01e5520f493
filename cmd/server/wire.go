package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	config "github.com/maheshrc27/postpilot/configs"
	job "github.com/maheshrc27/postpilot/internal/jobs"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/publisher"
	"github.com/maheshrc27/postpilot/internal/queue"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/internal/repository/memory"
	"github.com/maheshrc27/postpilot/internal/service"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"go.uber.org/zap"
)

// components is everything the server and the one-shot commands share.
type components struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *sqlx.DB
	store     *repository.Store
	audit     service.AuditService
	vault     service.VaultService
	accounts  service.AccountService
	posts     service.PostService
	connect   service.ConnectService
	registry  publisher.Registry
	scheduler *job.Scheduler
	queue     *queue.Queue
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*repository.Store, *sqlx.DB, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using the in-memory store; nothing survives a restart")
		return memory.NewStore(), nil, nil
	}

	db, err := repository.Connect(ctx, cfg.PostgresURI, cfg.Scheduler.Concurrency*2+4)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresStore(db), db, nil
}

func buildRegistry(cfg *config.Config, log *zap.Logger) publisher.Registry {
	var pubs []publisher.Publisher
	for _, p := range cfg.EnabledPlatforms() {
		app := cfg.Platforms[p]
		switch p {
		case models.PlatformFacebook:
			pubs = append(pubs, publisher.NewFacebook(app))
		case models.PlatformInstagram:
			pubs = append(pubs, publisher.NewInstagram(app).
				WithContainerPolling(cfg.Scheduler.ContainerPollInterval, cfg.Scheduler.ContainerPollAttempts))
		case models.PlatformTikTok:
			pubs = append(pubs, publisher.NewTikTok(app))
		case models.PlatformX:
			pubs = append(pubs, publisher.NewX(app))
		case models.PlatformLinkedIn:
			pubs = append(pubs, publisher.NewLinkedIn(app))
		}
		log.Info("platform enabled", zap.String("platform", p.String()))
	}
	if len(pubs) == 0 {
		log.Warn("no platform credentials configured; nothing can be published")
	}
	return publisher.NewRegistry(pubs...)
}

func buildComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*components, error) {
	key, err := utils.ParseMasterKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := utils.NewCipher(key)
	if err != nil {
		return nil, err
	}

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c := &components{cfg: cfg, log: log, db: db, store: store}
	c.audit = service.NewAuditService(store.Audit, log.Named("audit"), nil)
	c.vault = service.NewVaultService(store.Tokens, cipher, log.Named("vault"), nil)
	c.accounts = service.NewAccountService(store.Accounts, c.vault, c.audit, log.Named("accounts"), nil)

	var generator service.ContentGenerator
	if cfg.GenAIAPIKey != "" {
		generator, err = service.NewGenAIGenerator(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			c.close()
			return nil, err
		}
	}
	c.posts = service.NewPostService(store.Posts, store.Accounts, generator, c.audit, log.Named("posts"), nil,
		cfg.Scheduler.ApprovalRequired, cfg.Scheduler.MaxAttempts)

	c.registry = buildRegistry(cfg, log)
	c.connect = service.NewConnectService(cfg.SecretKey, c.registry, c.accounts, c.audit, log.Named("connect"))

	resolver := media.NewResolver(nil)
	if cfg.MediaEnabled() {
		objects, err := media.NewR2Store(ctx, cfg.R2)
		if err != nil {
			c.close()
			return nil, err
		}
		resolver = media.NewResolver(objects)
	}

	c.scheduler = job.NewScheduler(job.Deps{
		Posts:      c.posts,
		Accounts:   c.accounts,
		Vault:      c.vault,
		Audit:      c.audit,
		Metrics:    store.Metrics,
		Publishers: c.registry,
		Media:      resolver,
		Log:        log,
	}, cfg.Scheduler)
	c.queue = queue.NewQueue(c.scheduler, log)

	return c, nil
}

func (c *components) close() {
	if c.vault != nil {
		c.vault.Flush()
	}
	if c.db != nil {
		closeDB(c.db, c.log)
	}
}

func redisOpt(cfg *config.Config) (asynq.RedisConnOpt, bool) {
	if cfg.RedisURI == "" {
		return nil, false
	}
	return asynq.RedisClientOpt{Addr: cfg.RedisURI}, true
}

func closeDB(db *sqlx.DB, log *zap.Logger) {
	log.Info("closing database connection")
	if err := db.Close(); err != nil {
		log.Error("failed to close database", zap.Error(err))
	}
}
