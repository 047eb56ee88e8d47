package server

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	googleauth "paperscan-backend/internal/auth"
	"paperscan-backend/internal/documents"
	"paperscan-backend/internal/llm"
	"paperscan-backend/internal/llm/openai"
	"paperscan-backend/internal/pipeline"
	"paperscan-backend/internal/sessions"
	"paperscan-backend/internal/shared/config"
	"paperscan-backend/internal/shared/metrics"
	"paperscan-backend/internal/shared/server/middleware"
	"paperscan-backend/internal/shared/server/respond"
	"paperscan-backend/internal/shared/storage/db"
	"paperscan-backend/internal/shared/storage/object"
	localstore "paperscan-backend/internal/shared/storage/object/local"
	s3store "paperscan-backend/internal/shared/storage/object/s3"
)

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
		middleware.Auth(cfg.Env),
	)

	// Dependencies
	store := buildObjectStore(cfg)
	sqlDB := buildDB(cfg)

	var docRepo documents.Repo
	if sqlDB != nil {
		docRepo = &documents.PGRepo{DB: sqlDB}
	} else {
		docRepo = documents.NewMemoryRepo()
	}
	docSvc := &documents.Service{Store: store, Repo: docRepo}
	docHandler := documents.NewHandler(docSvc, cfg.MaxFileSizeBytes)

	processor := pipeline.NewExtractor(store, buildLLMClient(cfg), "")

	var sessionStore *sessions.PGStore
	var migrator sessions.Migrator = sessions.NopMigrator{}
	if sqlDB != nil {
		sessionStore = &sessions.PGStore{DB: sqlDB}
		migrator = &sessions.GooseMigrator{DB: sqlDB}
	}
	sessionSvc := sessions.NewService(
		sessions.NewMemoryRegistry(),
		sessionStore,
		docRepo,
		processor,
		migrator,
		sessions.Config{
			BatchSize:        cfg.BatchSize,
			MaxRetries:       cfg.MaxRetries,
			RetryDelay:       cfg.RetryDelay,
			InterBatchPause:  cfg.InterBatchPause,
			MaxFileSizeBytes: cfg.MaxFileSizeBytes,
		},
		cfg.SessionRetention,
	)
	sessionHandler := sessions.NewHandler(sessionSvc)
	startSweeper(sessionSvc, cfg.SessionRetention)

	googleAuthSvc := googleauth.NewGoogleService(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, cfg.UIRedirectURL)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	googleAuthSvc.RegisterRoutes(api)
	registerMeRoutes(api)
	docHandler.RegisterRoutes(api)
	sessionHandler.RegisterRoutes(api)

	return r
}

func buildObjectStore(cfg config.Config) object.ObjectStore {
	if cfg.ObjectStoreType == "s3" {
		store, err := s3store.New(context.Background(), cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			log.Printf("failed to initialize s3 store, falling back to local: %v", err)
		} else {
			return store
		}
	}
	return localstore.New(cfg.LocalStoreDir)
}

func buildDB(cfg config.Config) *sql.DB {
	if cfg.DatabaseURL == "" {
		return nil
	}
	ctx := context.Background()
	conn, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	if err != nil {
		log.Printf("failed to connect database, falling back to memory: %v", err)
		return nil
	}
	if err := db.RunMigrations(ctx, conn); err != nil {
		log.Printf("failed to run migrations, falling back to memory: %v", err)
		_ = conn.Close()
		return nil
	}
	return conn
}

func buildLLMClient(cfg config.Config) llm.Client {
	if cfg.LLMProvider == "openai" {
		client, err := openai.NewClient(os.Getenv("OPENAI_API_KEY"), cfg.LLMModel)
		if err != nil {
			log.Printf("openai client unavailable, using placeholder: %v", err)
		} else {
			return client
		}
	}
	return llm.PlaceholderClient{}
}

// startSweeper evicts expired sessions in the background.
func startSweeper(svc *sessions.Service, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			svc.Sweep(context.Background())
		}
	}()
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
