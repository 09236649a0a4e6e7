package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"gateway/internal/accounts"
	"gateway/internal/cache"
	"gateway/internal/cloudcode"
	"gateway/internal/config"
	gwcrypto "gateway/internal/crypto"
	"gateway/internal/httpapi"
	"gateway/internal/logging"
	"gateway/internal/metrics"
	"gateway/internal/oauth"
	"gateway/internal/pipeline"
	"gateway/internal/statslog"
	"gateway/internal/translate"
)

func main() {
	cfg := config.Get()
	logger := logging.New(cfg.Logging.Debug)

	var cipher *gwcrypto.AESGCM
	if cfg.Accounts.EncryptionKeyBase64 != "" {
		c, err := gwcrypto.NewAESGCMFromBase64Key(cfg.Accounts.EncryptionKeyBase64)
		if err != nil {
			log.Fatalf("accounts cipher: %v", err)
		}
		cipher = c
	}

	strategy := accounts.SelectionStrategy(cfg.Accounts.Strategy)
	store := accounts.NewStore(cfg.Accounts.StatePath, cipher, strategy, cfg.Accounts.QuotaThreshold)
	if err := store.Load(); err != nil {
		log.Fatalf("load accounts: %v", err)
	}

	stop := make(chan struct{})
	go store.RefillLoop(stop, time.Minute, 1.0)
	defer close(stop)

	oauthClient := oauth.NewClient(os.Getenv("GATEWAY_OAUTH_CLIENT_ID"), os.Getenv("GATEWAY_OAUTH_CLIENT_SECRET"), nil)
	client := cloudcode.New(cfg.Cloud, cfg.Accounts, oauthClient)

	stats, err := statslog.Open(cfg.Stats.MySQLDSN)
	if err != nil {
		log.Fatalf("stats store: %v", err)
	}
	defer stats.Close()

	m := metrics.New()

	p := &pipeline.Pipeline{
		Scheduler:  store.Scheduler(),
		Translator: translate.New(),
		Client:     client,
		Cache:      cache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.DefaultTTLSecs)*time.Second, cfg.Cache.Enabled),
		Metrics:    m,
		Stats:      stats,
		Fallback:   cfg.Accounts.Fallback,
		Logger:     logger,
	}
	api := httpapi.NewHandler(p, stats, logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.Server.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Anthropic-Version"},
		ExposedHeaders:   []string{"Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/metrics", m.Handler())
	r.Get("/stats", api.Stats)

	v1 := chi.NewRouter()
	if cfg.Server.APIKey != "" {
		v1.Use(clientAuthMiddleware(cfg.Server.APIKey))
	}
	v1.Mount("/", api.Routes())
	r.Mount("/v1", v1)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	if err := store.Save(); err != nil {
		logger.Error("save accounts on shutdown", "error", err)
	}
}

// clientAuthMiddleware accepts either a bearer token or an x-api-key style
// header, since Anthropic SDKs send the latter and generic HTTP clients
// often default to the former.
func clientAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(got, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
			} else {
				got = strings.TrimSpace(r.Header.Get("x-api-key"))
			}
			if got == "" {
				got = strings.TrimSpace(r.Header.Get("X-API-Key"))
			}
			if got != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

