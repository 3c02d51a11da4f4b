package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"usecasehub/internal/attachments"
	"usecasehub/internal/backend"
	"usecasehub/internal/config"
	"usecasehub/internal/conversation"
	"usecasehub/internal/hierarchy"
	"usecasehub/internal/identity"
	"usecasehub/internal/server"
	"usecasehub/internal/settings"
	"usecasehub/internal/store"
	"usecasehub/internal/util"
	"usecasehub/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var tokens *identity.TokenSource
	if cfg.TokenURL != "" {
		tokens, err = identity.NewTokenSource(identity.TokenSourceConfig{
			TokenURL:    cfg.TokenURL,
			ClientID:    cfg.OAuthClientID,
			Scope:       cfg.OAuthScope,
			RefreshSkew: time.Duration(cfg.TokenRefreshSkewSeconds) * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to init token source: %v", err)
		}
	}

	var client *backend.Client
	if tokens != nil {
		client = backend.NewClient(cfg.BackendURL, tokens)
	} else {
		client = backend.NewClient(cfg.BackendURL, nil)
	}

	stores, err := selectStores(cfg)
	if err != nil {
		log.Fatalf("failed to init stores: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	} else {
		objects = storage.NewMemoryObjectStore()
	}

	settingsStore := settings.NewStore(client)
	httpServer, err := server.New(server.Config{
		Verifier:                 verifier,
		Tokens:                   tokens,
		Settings:                 settingsStore,
		Conversations:            conversation.NewManager(client, settingsStore, stores.history),
		Hierarchy:                hierarchy.NewController(client, attachments.NewStaging(objects), stores.drafts, settingsStore),
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		AskRateLimitPerMinute:    cfg.AskRateLimitPerMinute,
		UploadRateLimitPerMinute: cfg.UploadRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		TrustedProxies:           mustTrustedProxies(cfg.TrustedProxyCIDRs),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

type storeSet struct {
	history store.HistoryCache
	drafts  store.DraftStore
}

// selectStores picks the persistence backend: postgres when a database URL is
// configured, redis when only a redis address is, in-memory otherwise.
func selectStores(cfg config.FileConfig) (storeSet, error) {
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return storeSet{}, err
		}
		slog.Info("using postgres store")
		return storeSet{history: gs, drafts: gs}, nil
	}
	if cfg.RedisAddr != "" {
		ttl := time.Duration(cfg.HistoryCacheTTLSeconds) * time.Second
		rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, ttl)
		slog.Info("using redis store")
		return storeSet{history: rs, drafts: rs}, nil
	}
	ms := store.NewMemoryStore()
	slog.Info("using in-memory store")
	return storeSet{history: ms, drafts: ms}, nil
}

func mustTrustedProxies(cidrs []string) *util.TrustedProxies {
	proxies, err := util.NewTrustedProxies(cidrs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxy CIDRs: %v", err)
	}
	return proxies
}
