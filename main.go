package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	caldomain "mailsync-backend/internal/calendar/domain"
	calRepo "mailsync-backend/internal/calendar/repository"
	calUsecase "mailsync-backend/internal/calendar/usecase"
	emaildomain "mailsync-backend/internal/email/domain"
	emailRepo "mailsync-backend/internal/email/repository"
	emailUsecase "mailsync-backend/internal/email/usecase"
	"mailsync-backend/internal/engine"
	"mailsync-backend/internal/health"
	"mailsync-backend/internal/notification"
	"mailsync-backend/pkg/chroma"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/database"
	"mailsync-backend/pkg/embedding"
	"mailsync-backend/pkg/gcal"
	"mailsync-backend/pkg/imapx"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(
		&emaildomain.FolderSyncState{},
		&emaildomain.EmailRecord{},
		&emaildomain.EmbeddingRecord{},
		&emaildomain.MutationJournalEntry{},
		&caldomain.CalendarSyncState{},
		&caldomain.CalendarEventCache{},
		&caldomain.CalendarOutboxEntry{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	folderStateRepo := emailRepo.NewFolderStateRepository(db)
	emailRepository := emailRepo.NewEmailRepository(db)
	embeddingRepo := emailRepo.NewEmbeddingRepository(db)
	mutationRepo := emailRepo.NewMutationRepository(db)
	calStateRepo := calRepo.NewSyncStateRepository(db)
	eventCacheRepo := calRepo.NewEventCacheRepository(db)
	outboxRepo := calRepo.NewOutboxRepository(db)

	// IMAP session pool
	sessionConfig := imapx.SessionConfig{
		Host:       cfg.ImapServer,
		Port:       cfg.ImapPort,
		Username:   cfg.ImapUsername,
		Password:   cfg.ImapPassword,
		AuthMethod: cfg.ImapAuthMethod,
		Token:      cfg.ImapToken,
	}
	sessionFactory := func() (*imapx.Session, error) {
		return imapx.NewSession(sessionConfig)
	}
	pool := imapx.NewPool(sessionFactory, cfg.MaxConnections)
	sessionPool := engine.NewSessionPool(pool)

	// Embedding providers: Gemini primary, Ollama fallback, with rate-limit
	// cooldown failover between them.
	var providers []embedding.Provider
	if cfg.GeminiApiKey != "" {
		providers = append(providers, embedding.NewGeminiProvider(cfg.GeminiApiKey, cfg.GeminiEmbedModel))
	}
	providers = append(providers, embedding.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaEmbedModel))
	provider := embedding.NewFailoverProvider(cfg.ProviderCooldown, providers...)

	// Optional Chroma mirror for semantic search
	var mirror emailUsecase.MessageMirror
	chromaMirror, err := chroma.NewMirror(cfg)
	if err != nil {
		log.Printf("[WARN] Chroma mirror disabled: %v", err)
	} else if chromaMirror != nil {
		mirror = chromaMirror
	}

	// Email workers
	syncWorker := emailUsecase.NewFolderSyncWorker(sessionPool, folderStateRepo, emailRepository, cfg.SyncBatchSize, cfg.AcquireTimeout)
	embedWorker := emailUsecase.NewEmbeddingWorker(emailRepository, embeddingRepo, provider, mirror, cfg.EmbedBatchSize, cfg.EmbedFailureCeiling, cfg.EmbedFailureCooldown)
	ingestion := emailUsecase.NewLockstepIngestionPipeline(syncWorker, embedWorker)
	flusher := emailUsecase.NewMutationFlusher(sessionPool, mutationRepo, cfg.AcquireTimeout)

	// Calendar worker (only when credentials and calendars are configured)
	var calendarWorker *calUsecase.CalendarSyncWorker
	if cfg.GoogleClientID != "" && len(cfg.CalendarIDs) > 0 {
		calService := gcal.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret)
		calClient, err := calService.Client(context.Background(), cfg.GoogleAccessToken, cfg.GoogleRefreshToken, func(token *oauth2.Token) error {
			// Tokens come from the environment; refreshed ones live only in
			// memory for this process.
			return nil
		})
		if err != nil {
			log.Printf("[WARN] Calendar sync disabled: %v", err)
		} else {
			calendarWorker = calUsecase.NewCalendarSyncWorker(calClient, calStateRepo, eventCacheRepo, outboxRepo, cfg.CalendarWindowPast, cfg.CalendarWindowNext)
		}
	} else {
		log.Printf("[WARN] Calendar credentials not configured, calendar sync disabled")
	}

	syncEngine := engine.New(engine.Deps{
		Config:         cfg,
		Pool:           pool,
		SyncWorker:     syncWorker,
		EmbedWorker:    embedWorker,
		Ingestion:      ingestion,
		Flusher:        flusher,
		CalendarWorker: calendarWorker,
		SessionFactory: sessionFactory,
	})

	// Pub/Sub push notifications (optional)
	if cfg.GoogleProjectID != "" {
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}

		listener, err := notification.NewPubSubListener(cfg.GoogleProjectID, topicName, cfg.GoogleCredentials, syncEngine.TriggerResync)
		if err != nil {
			log.Printf("[WARN] Pub/Sub listener disabled: %v", err)
		} else {
			syncEngine.AttachPubSub(listener)
		}
	} else {
		log.Printf("[WARN] GoogleProjectID not configured, Pub/Sub notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := syncEngine.Start(ctx); err != nil {
		log.Fatal("Failed to start sync engine:", err)
	}

	// Health endpoints
	router := gin.Default()
	healthHandler := health.NewHandler(folderStateRepo, emailRepository, embeddingRepo, mutationRepo, calStateRepo, outboxRepo)
	healthHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	cancel()
	syncEngine.Stop()
	if err := server.Shutdown(context.Background()); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
