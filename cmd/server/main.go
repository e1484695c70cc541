package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"derm-kiosk/internal/agent"
	"derm-kiosk/internal/capability"
	"derm-kiosk/internal/config"
	"derm-kiosk/internal/consultation"
	"derm-kiosk/internal/platform/telegram"
	"derm-kiosk/internal/report"
	"derm-kiosk/internal/retrieval"
	"derm-kiosk/internal/safety"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logCfg := zap.NewProductionConfig()
	if cfg.Debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	// Session store: postgres when configured, in-process otherwise.
	var store consultation.Store
	if cfg.DatabaseURL != "" {
		db := connectDB(cfg.DatabaseURL, log)
		if db != nil {
			runMigrations(cfg.DatabaseURL, log)
			store = consultation.NewStore(db)
		}
	}
	if store == nil {
		log.Warn("no database configured, sessions are kept in memory")
		store = consultation.NewMemoryStore()
	}

	// Model clients.
	geminiClient, err := agent.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatal("gemini client", zap.Error(err))
	}
	engine := agent.NewGeminiEngine(geminiClient, cfg.GeminiModel, log)
	extractor := agent.NewGeminiExtractor(geminiClient, cfg.GeminiModel)
	embedder := agent.NewHybridEmbedder(geminiClient, cfg.EmbeddingModel, cfg.EmbedServiceURL)
	vision := agent.NewMedGemmaClient(cfg.OllamaBaseURL, cfg.MedGemmaModel, cfg.VisionFallbackModel, log)
	speech := agent.NewSpeechClient(cfg.SpeechServiceURL)

	// Case retrieval.
	caseStore, err := retrieval.OpenCaseStore(cfg.CaseDBPath, log)
	if err != nil {
		log.Fatal("open case store", zap.Error(err))
	}
	defer caseStore.Close()
	if cfg.CaseSeedPath != "" {
		if _, err := retrieval.SeedFromFile(ctx, caseStore, cfg.CaseSeedPath, log); err != nil {
			log.Error("case seeding failed", zap.Error(err))
		}
	}
	fusion := retrieval.NewFusion(embedder, caseStore.ImageSearcher(), caseStore.TextSearcher(), log)

	// Safety and capabilities.
	gate := safety.NewGate()
	registry := capability.NewRegistry()
	for _, c := range []capability.Capability{
		capability.NewSafetyCheck(gate),
		capability.NewSymptomExtraction(extractor, log),
		capability.NewImageAnalysis(vision),
		capability.NewCaseSearch(fusion),
	} {
		if err := registry.Register(c); err != nil {
			log.Fatal("register capability", zap.Error(err))
		}
	}
	log.Info("capabilities registered", zap.Strings("operations", registry.Names()))

	// Doctor channel.
	var reports consultation.ReportSender
	if cfg.TelegramToken != "" && cfg.DoctorChatID != 0 {
		tgClient := telegram.NewClient(cfg.TelegramToken)
		reports = report.NewService(tgClient, cfg.DoctorChatID, log)
	} else {
		log.Warn("telegram doctor channel not configured, reports are disabled")
	}

	svc := consultation.NewService(store, engine, registry, gate, reports, log)
	handler := consultation.NewHandler(svc, speech, speech)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// CORS for the kiosk frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == "OPTIONS" {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	consultation.RegisterRoutes(r, handler)

	log.Info("server starting", zap.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func connectDB(url string, log *zap.Logger) *sql.DB {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", url)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			log.Info("connected to database")
			return db
		}
		log.Info("waiting for database", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	log.Error("could not connect to database", zap.Error(err))
	return nil
}

func runMigrations(url string, log *zap.Logger) {
	m, err := migrate.New("file://migrations", url)
	if err != nil {
		log.Error("migration init failed", zap.Error(err))
		return
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Error("migration up failed", zap.Error(err))
		return
	}
	log.Info("migrations applied")
}
