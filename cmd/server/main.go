package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gql "github.com/graphql-go/graphql"
	"go.uber.org/zap"

	graphqlwsredis "github.com/comfortablynumb/graphql-ws-redis-adapter"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/authhook"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/config"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/devgateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/observability"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/protocol"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/redisstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/schemawatch"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/scripthook"
)

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

var (
	configFile = flag.String("config", getEnvString("CONFIG_FILE", ""), "Path to YAML configuration file")

	// Observability flags.
	enableMetrics     = flag.Bool("enable-metrics", getEnvBool("ENABLE_METRICS", true), "Enable Prometheus metrics")
	enableTracing     = flag.Bool("enable-tracing", getEnvBool("ENABLE_TRACING", false), "Enable OpenTelemetry tracing")
	otlpEndpoint      = flag.String("otlp-endpoint", getEnvString("OTLP_ENDPOINT", "localhost:4317"), "OTLP collector endpoint")
	enableHealthCheck = flag.Bool("enable-health", getEnvBool("ENABLE_HEALTH", true), "Enable health check and metrics endpoints")
	healthPort        = flag.Int("health-port", getEnvInt("HEALTH_PORT", 8090), "Health check and metrics endpoints port")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v\n", err)
	}

	if err := observability.InitLogger(cfg.Log.Level, cfg.Log.Development); err != nil {
		log.Fatalf("Failed to initialize logger: %v\n", err)
	}
	defer observability.Sync()

	observability.Info("Starting graphql-ws-redis-adapter dev gateway",
		zap.String("listenAddr", cfg.Gateway.ListenAddr),
		zap.String("redisAddr", cfg.Redis.Addr),
		zap.String("keyPrefix", cfg.KeyPrefix),
		zap.String("schemaFile", cfg.SchemaFile),
	)

	var tracingShutdown func(context.Context) error
	if *enableTracing {
		tracingShutdown, err = observability.InitTracing("graphql-ws-redis-adapter", *otlpEndpoint)
		if err != nil {
			observability.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			observability.Info("Tracing enabled", zap.String("otlp_endpoint", *otlpEndpoint))
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracingShutdown(ctx); err != nil {
					observability.Error("Failed to shutdown tracing", zap.Error(err))
				}
			}()
		}
	}

	if cfg.SchemaFile == "" {
		log.Fatalf("No schema file configured; set --config's schemaFile or $SCHEMA_FILE\n")
	}

	schemaWatcher, err := schemawatch.New(cfg.SchemaFile, buildSchemaFromSDL, observability.GetLogger().Named("schemawatch"))
	if err != nil {
		log.Fatalf("Failed to build initial schema from %s: %v\n", cfg.SchemaFile, err)
	}
	defer schemaWatcher.Close() //nolint:errcheck // cleanup operation
	if err := schemaWatcher.Start(); err != nil {
		observability.Warn("Failed to start schema file watcher, reload disabled", zap.Error(err))
	}

	redisClient := redisstore.New(cfg.Redis.ToOptions())
	defer redisClient.Close() //nolint:errcheck // cleanup operation

	if *enableHealthCheck {
		observability.RegisterDefaultHealthChecks()
		observability.RegisterHealthCheck("redis", func() observability.HealthCheck {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx); err != nil {
				return observability.HealthCheck{
					Name: "redis", Status: observability.HealthStatusUnhealthy,
					Message: err.Error(), LastChecked: time.Now(),
				}
			}
			return observability.HealthCheck{
				Name: "redis", Status: observability.HealthStatusHealthy,
				Message: "connected", LastChecked: time.Now(),
			}
		})
		observability.Info("Health checks enabled", zap.Int("health_port", *healthPort))
	}

	hookOpts, err := buildHookOptions(cfg, schemaWatcher.Provider())
	if err != nil {
		log.Fatalf("Failed to build protocol hooks: %v\n", err)
	}

	gw := devgateway.NewGateway()

	handler, err := graphqlwsredis.New(graphqlwsredis.Config{
		Redis:     cfg.Redis.ToOptions(),
		KeyPrefix: cfg.KeyPrefix,
		Gateway:   gw,
		Schema:    schemaWatcher.Provider(),
		Hooks:     hookOpts,
		Log:       observability.GetLogger().Named("handler"),
	})
	if err != nil {
		log.Fatalf("Failed to build handler: %v\n", err)
	}

	gatewayServer := devgateway.NewServer(handler, gw, observability.GetLogger().Named("devgateway"))

	// The gateway server is not wrapped in the metrics/HTTP-timing
	// middleware: it handles the WebSocket upgrade directly, and the
	// middleware's wrapped ResponseWriter doesn't forward Hijacker, which
	// gorilla/websocket's Upgrade requires.
	gatewayHTTPServer := &http.Server{
		Addr:         cfg.Gateway.ListenAddr,
		Handler:      gatewayServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // subscriptions hold connections open indefinitely
	}

	var monitorHTTPServer *http.Server
	if *enableHealthCheck || *enableMetrics {
		monitorMux := http.NewServeMux()
		if *enableHealthCheck {
			monitorMux.Handle("/healthz", observability.LivenessHandler())
			monitorMux.Handle("/readyz", observability.ReadinessHandler())
			monitorMux.Handle("/health", observability.HealthHandler())
		}
		if *enableMetrics {
			monitorMux.Handle("/metrics", observability.MetricsHandler())
		}
		monitorHTTPServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", *healthPort),
			Handler: observability.MetricsMiddleware(monitorMux.ServeHTTP),
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		observability.Info("Dev gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
		if err := gatewayHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Dev gateway server error: %v\n", err)
		}
	}()

	if monitorHTTPServer != nil {
		go func() {
			observability.Info("Health/metrics endpoints listening", zap.Int("port", *healthPort))
			if err := monitorHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				observability.Error("Health/metrics server error", zap.Error(err))
			}
		}()
	}

	<-sigChan
	observability.Info("Shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gatewayHTTPServer.Shutdown(ctx); err != nil {
		observability.Error("Error during gateway shutdown", zap.Error(err))
	}
	if monitorHTTPServer != nil {
		if err := monitorHTTPServer.Shutdown(ctx); err != nil {
			observability.Error("Error during monitor shutdown", zap.Error(err))
		}
	}
}

// buildHookOptions assembles protocol.Options from cfg: a JWT-verifying
// onConnect hook when auth is enabled, composed with any configured
// JavaScript onConnect hook so auth runs first and can short-circuit it.
func buildHookOptions(cfg *config.Config, schema gqlschema.Provider) (protocol.Options, error) {
	opts := protocol.Options{Schema: schema}

	var authConnect protocol.ConnectHook
	if cfg.Auth.Enabled {
		if cfg.Auth.HMACSecret == "" {
			return opts, fmt.Errorf("auth.enabled is true but auth.hmacSecret is empty")
		}
		verifier := authhook.NewVerifier([]byte(cfg.Auth.HMACSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
		authConnect = verifier.ConnectHook()
	}

	scripts := scripthook.Scripts{Log: observability.GetLogger().Named("scripthook")}
	if err := loadHookFile(cfg.Hooks.OnConnectFile, &scripts.OnConnect); err != nil {
		return opts, err
	}
	if err := loadHookFile(cfg.Hooks.OnSubscribeFile, &scripts.OnSubscribe); err != nil {
		return opts, err
	}
	if err := loadHookFile(cfg.Hooks.OnNextFile, &scripts.OnNext); err != nil {
		return opts, err
	}
	if err := loadHookFile(cfg.Hooks.OnCompleteFile, &scripts.OnComplete); err != nil {
		return opts, err
	}

	switch {
	case authConnect != nil && scripts.OnConnect != "":
		scriptConnect := scripts.ConnectHook()
		opts.OnConnect = func(ctx context.Context, cc *ctxstore.Context, params any) (any, bool, error) {
			ack, ok, err := authConnect(ctx, cc, params)
			if err != nil || !ok {
				return ack, ok, err
			}
			return scriptConnect(ctx, cc, params)
		}
	case authConnect != nil:
		opts.OnConnect = authConnect
	case scripts.OnConnect != "":
		opts.OnConnect = scripts.ConnectHook()
	}

	if scripts.OnSubscribe != "" {
		opts.OnSubscribe = scripts.SubscribeHook()
	}
	opts.Hooks = scripts.EmitterHooks()

	return opts, nil
}

func loadHookFile(path string, dest *string) error {
	if path == "" {
		return nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading hook script %s: %w", path, err)
	}
	*dest = string(body)
	return nil
}

// buildSchemaFromSDL is the default schema builder handed to
// schemawatch.New: it confirms the configured schema file exists (so a
// typo fails at startup, and an edit to it triggers a reload) and
// returns a single Query.ping field for liveness probing. graphql-go has
// no SDL-to-executable-schema builder, so a real deployment supplies its
// own BuildFunc wiring resolvers and subscription RegistrableChannels in
// Go; this one only proves the hot-reload wiring end to end.
func buildSchemaFromSDL(path string) (*gql.Schema, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"ping": &gql.Field{
				Type: gql.String,
				Resolve: func(p gql.ResolveParams) (any, error) {
					return "pong", nil
				},
			},
		},
	})

	schema, err := gql.NewSchema(gql.SchemaConfig{Query: queryType})
	if err != nil {
		return nil, fmt.Errorf("building schema: %w", err)
	}
	return &schema, nil
}
