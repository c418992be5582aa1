package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sitecraft/api/internal/abtest"
	"sitecraft/api/internal/app"
	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/authpw"
	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/config"
	"sitecraft/api/internal/crm"
	"sitecraft/api/internal/email"
	"sitecraft/api/internal/events"
	"sitecraft/api/internal/gitrepo"
	"sitecraft/api/internal/probe"
	"sitecraft/api/internal/queue"
	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/search"
	"sitecraft/api/internal/session"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/workflow"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	bus := events.NewBus()
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppName:  "Sitecraft",
	})

	var checks []app.ReadyCheck

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		checks = append(checks, app.ReadyCheck{Name: "meilisearch", Check: func(context.Context) error {
			if !meiliClient.Healthy() {
				return errors.New("meilisearch unreachable")
			}
			return nil
		}})
	}
	searchService := search.NewService(meiliClient, pgfts)

	deps := app.Deps{
		Store:     dataStore,
		Git:       gitService,
		Passwords: authpw.NewService(dataStore),
		Search:    searchService,
		Mailer:    mailer,
		Bus:       bus,
	}

	// Redis holds refresh sessions and component locks; without it both stay in-process.
	var locks collab.LockStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh sessions and component locks")
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		locks = collab.NewRedisLockStore(redisStore.Client())
		checks = append(checks, app.ReadyCheck{Name: "redis", Check: redisStore.Ping})
	} else {
		log.Printf("REDIS_URL not set: refresh tokens disabled, locks kept in memory")
		locks = collab.NewMemoryLockStore(time.Now)
	}

	collabManager := collab.NewManager(locks, dataStore, collab.Options{
		LockTTL:         cfg.CollabLockTTL,
		PresenceTimeout: cfg.CollabPresenceTimeout,
		SweepInterval:   cfg.CollabSweepInterval,
	})
	deps.Locks = collabManager

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetStore, err := assets.New(assets.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		if err := assetStore.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: asset bucket unavailable: %v", err)
		}
		deps.Assets = assetStore
	} else {
		log.Printf("MINIO_ENDPOINT not set: asset uploads disabled")
	}

	var jobs queue.Queue
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		amqpQueue, err := queue.DialAMQP(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("rabbitmq connection failed: %v", err)
		}
		jobs = amqpQueue
	} else {
		jobs = queue.NewInMemory()
	}
	defer jobs.Close()

	service := app.New(cfg, deps)

	engine := workflow.NewEngine(dataStore, dataStore, mailer, bus)
	workflows := workflow.NewService(dataStore, engine)
	workflow.NewEventTriggers(dataStore, engine).Attach(bus)
	go workflow.NewScheduler(dataStore, engine, cfg.WorkflowScheduleEvery).Run(ctx)

	crmService := crm.NewService(dataStore, jobs, bus, []byte(cfg.JWTSecret))
	if err := crm.NewWorker(crmService, mailer, cfg.PublicURL).Start(jobs); err != nil {
		log.Fatalf("campaign worker failed to start: %v", err)
	}
	go crm.NewScheduler(crmService, time.Minute).Run(ctx)

	actions := remediation.NewActions(service, dataStore, dataStore, mailer, cfg.OpsWebhookURL)
	remediationService := remediation.NewService(dataStore, actions, mailer, bus, remediation.Config{
		Recipients:   cfg.EscalationRecipients,
		DashboardURL: cfg.PublicURL,
	})
	go remediation.NewEscalator(remediationService, cfg.EscalationInterval).Run(ctx)

	if cfg.SLAProbeInterval > 0 {
		monitor := probe.NewMonitor(dataStore, probe.NewChromeProber(0), remediationService, cfg.SLAPageLoadThreshold, cfg.SLAProbeInterval)
		go monitor.Run(ctx)
	}

	go collabManager.Run(ctx)

	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	httpServer := app.NewHTTPServer(service, app.Domains{
		Workflows:   workflows,
		CRM:         crmService,
		Remediation: remediationService,
		ABTests:     abtest.NewService(dataStore),
		Collab:      collabManager,
	}, cfg.CORSOrigin, checks...)
	// No WriteTimeout: collaboration websockets stay open for the whole editing session.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Sitecraft API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	collabManager.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stop()
	bus.Wait()
}
