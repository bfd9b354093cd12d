// Command quotawardctl runs the resource-acquisition admission-control
// engine as an HTTP service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quotaward/quotaward/pkg/config"
	"github.com/quotaward/quotaward/pkg/logger"
	"github.com/quotaward/quotaward/quota"
	"github.com/quotaward/quotaward/quota/router"
)

func main() {
	cmd := createRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "quotawardctl",
		Short: "Resource-acquisition admission-control engine",
		Long: `quotawardctl serves the quota admission-control engine over HTTP:
Check, Acquire, and Release decide whether an acquirer may obtain a bundle
of named resources under a pluggable set of restriction policies.`,
		RunE: runServe,
	}
	root.Flags().String("redis-url", "", "Redis connection URL (overrides configuration)")
	root.Flags().Bool("debug", false, "Enable debug logging")
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	manager := config.NewManager(nil)
	cfg, err := manager.Load(ctx, config.NewDefaultProvider(), config.NewEnvProvider())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if redisURL, _ := cmd.Flags().GetString("redis-url"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	logLevel := logger.InfoLevel
	if debug, _ := cmd.Flags().GetBool("debug"); debug || cfg.Runtime.LogLevel == "debug" {
		logLevel = logger.DebugLevel
	}
	log := logger.NewLogger(&logger.Config{Level: logLevel, Output: os.Stdout, JSON: cfg.Runtime.LogJSON})
	ctx = logger.ContextWithLogger(ctx, log)

	redisClient, err := newRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	registry, err := quota.NewRegistryWithBuiltins()
	if err != nil {
		return fmt.Errorf("build restriction registry: %w", err)
	}
	acquisitions := quota.NewRedisAcquisitionStore(redisClient)
	restrictions := quota.NewRedisRestrictionStore(redisClient)
	tokenizer := quota.NewResourceTokenizer(mustKeyOracle(cfg))
	engine := quota.NewDecisionEngine(
		acquisitions,
		restrictions,
		tokenizer,
		registry,
		validator.New(),
		cfg.Quota.DefaultAcquisitionTTL.Milliseconds(),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.NewHandler(engine).Register(r.Group("/v1"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("quota server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newRedisClient(cfg config.RedisConfig) (*goredis.Client, error) {
	opts := &goredis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	return goredis.NewClient(opts), nil
}

// mustKeyOracle builds the tokenization key oracle. The production key
// oracle is an external collaborator (see the SPEC_FULL.md §4.8 table);
// this returns a static, single-generation oracle with a fixed key.
func mustKeyOracle(_ *config.Config) quota.KeyOracle {
	return quota.NewStaticKeyOracle("default", map[string][]byte{
		"default": []byte("quotaward-default-tokenizer-key"),
	})
}
