package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/sin-ning/gitlabhq/internal/auth"
	"github.com/sin-ning/gitlabhq/internal/config"
	"github.com/sin-ning/gitlabhq/internal/database"
	"github.com/sin-ning/gitlabhq/internal/email"
	"github.com/sin-ning/gitlabhq/internal/logging"
	redisx "github.com/sin-ning/gitlabhq/internal/redis"
	"github.com/sin-ning/gitlabhq/internal/server"
)

const (
	logMaxSizeBytes = 20 << 20
	logMaxBackups   = 5
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.LogFile != "" {
		rotating, err := logging.NewRotatingFileWriter(cfg.LogFile, logMaxSizeBytes, logMaxBackups)
		if err != nil {
			log.Fatalf("log setup error: %v", err)
		}
		defer rotating.Close()
		logOutput = io.MultiWriter(os.Stdout, rotating)
	}
	log.SetOutput(logOutput)
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lshortfile)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database error: %v", err)
	}
	defer db.Close()

	redisClient, err := redisx.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer redisClient.Close()

	users := auth.NewUserRepository(db)
	sessions := &auth.SessionStore{Redis: redisClient}
	rateLimiter := &auth.RateLimiter{Redis: redisClient}
	mailer := email.NewSender(cfg.Email)
	totpSvc := auth.NewTOTPService(cfg.TOTPIssuer)
	hasher := auth.NewBcryptHasher()

	api, err := server.NewServer(cfg, users, sessions, rateLimiter, redisClient, mailer, totpSvc, hasher)
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	log.Printf("Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
