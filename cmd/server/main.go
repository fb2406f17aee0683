package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/peercode/collab/internal/api"
	"github.com/peercode/collab/internal/auth"
	"github.com/peercode/collab/internal/compaction"
	"github.com/peercode/collab/internal/consumer"
	"github.com/peercode/collab/internal/db"
	"github.com/peercode/collab/internal/judge"
	"github.com/peercode/collab/internal/ws"
)

type config struct {
	port      string
	dbPath    string
	jwtSecret string
	judgeHost string
	judgeKey  string
	amqpURL   string
	queue     string
}

func loadConfig() config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config{
		port:      getEnv("PORT", "8080"),
		dbPath:    getEnv("COLLAB_DB_PATH", "./data/collab.db"),
		jwtSecret: os.Getenv("JWT_SECRET"),
		judgeHost: os.Getenv("JUDGE_HOST"),
		judgeKey:  os.Getenv("JUDGE_API_KEY"),
		amqpURL:   os.Getenv("RABBITMQ_URL"),
		queue:     getEnv("MATCH_QUEUE", consumer.DefaultQueue),
	}
	if cfg.jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()

	database, err := db.New(cfg.dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	hub := ws.NewHub(database)
	go hub.Run()

	compactor := compaction.New(hub, database, compaction.DefaultConfig())
	compactor.Start()
	defer compactor.Stop()

	verifier := auth.NewVerifier(cfg.jwtSecret)

	var judgeClient *judge.Client
	if cfg.judgeHost != "" && cfg.judgeKey != "" {
		judgeClient = judge.NewClient(cfg.judgeHost, cfg.judgeKey)
	} else {
		log.Println("Judge host/key not configured, code execution disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.amqpURL != "" {
		matchConsumer := consumer.New(cfg.amqpURL, cfg.queue, database)
		go matchConsumer.Run(ctx)
	} else {
		log.Println("RabbitMQ URL not configured, session seeding disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(hub, verifier, c.Writer, c.Request)
	})

	apiHandler := api.New(hub, database, verifier, judgeClient)
	apiHandler.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		compactor.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Collab server starting on :%s", cfg.port)
	log.Printf("Database: %s", cfg.dbPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: GET /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /stats")
	log.Println("  - Session:   GET /get-session, /get-question, /check-authorization")
	log.Println("  - History:   GET /get-history")
	log.Println("  - Code:      POST /save-code, POST /api/code-execute")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("ListenAndServe: ", err)
	}
	log.Println("Server stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
