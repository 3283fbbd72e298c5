package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/config"
	"github.com/lindseylubin/Gen-Ed/internal/credential"
	"github.com/lindseylubin/Gen-Ed/internal/httpapi"
	"github.com/lindseylubin/Gen-Ed/internal/instructor"
	"github.com/lindseylubin/Gen-Ed/internal/lti"
	"github.com/lindseylubin/Gen-Ed/internal/metrics"
	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/quota"
	"github.com/lindseylubin/Gen-Ed/internal/session"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	c, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, c.DBAdapter, c.SQLiteFile, c.PostgresDSN)
	if err != nil {
		log.Fatalf("%s init: %v", c.DBAdapter, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	}()

	var (
		sessions session.Store
		nonces   lti.NonceStore
	)
	if c.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		sessions = session.NewRedisStore(redisClient)
		nonces = lti.NewRedisNonces(redisClient)
		log.Printf("Sessions stored in redis at %s", c.RedisAddr)
	} else {
		mem := session.NewMemoryStore()
		go mem.RunSweeper(ctx, time.Minute)
		sessions = mem
		nonces = lti.NewMemoryNonces(100000, 2*lti.DefaultWindow)
	}

	if c.OpenAIAPIKey == "" && c.LogLevel != "error" {
		log.Printf("[warn] OPENAI_API_KEY is not set; only classes with their own key can make requests")
	}

	sameSite, err := session.ParseSameSite(c.SessionSameSite)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	sessionManager := session.NewManager(sessions, c.SessionSecret, c.SessionTTL, c.Production()).WithSameSite(sameSite)

	srv := httpapi.NewServer(httpapi.Options{
		DB:          db,
		Sessions:    sessionManager,
		Verifier:    lti.NewVerifier(db, nonces, lti.DefaultWindow),
		Provisioner: provision.NewProvisioner(db, c.LTIStarterTokens),
		Resolver:    credential.NewResolver(db, quota.NewMeter(db), c.OpenAIAPIKey),
		Completer: completion.NewExecutor(completion.Config{
			BaseURL:     c.OpenAIBaseURL,
			FastModel:   c.OpenAIModelFast,
			LargeModel:  c.OpenAIModelLarge,
			Timeout:     c.UpstreamTimeout,
			Temperature: c.Temperature,
		}),
		Instructor:        instructor.NewService(db),
		Metrics:           metrics.New(),
		PublicURL:         c.PublicURL,
		HelpRatePerMinute: c.HelpRatePerMinute,
		LogLevel:          c.LogLevel,
	})

	// completions can take most of UpstreamTimeout
	httpSrv := &http.Server{
		Handler:      srv.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: c.UpstreamTimeout + 10*time.Second,
	}

	go func() {
		log.Printf("Starting gened on :%s (db: %s)", c.Port, c.DBAdapter)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %+v", err)
		os.Exit(1)
	}
	log.Println("Server exited properly")
}
