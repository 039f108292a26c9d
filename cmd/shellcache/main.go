package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/config"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	cacheVersionFlag   string
	portFlag           int
	storageFlag        string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "shellcache",
	Short: "Caching proxy for the shell of a single-page admin application.",
	Long: `shellcache sits between an admin application and its origin.
Static shell files are served from a versioned cache, API requests
always go to the network, and failures are answered gracefully offline.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the current version and start proxying (default)",
	RunE:  runServe,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all stores of the configured storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		storage, err := openStorage(cfg.Storage)
		if err != nil {
			return err
		}
		defer storage.Close()
		worker, err := createWorker(cfg, storage, nil)
		if err != nil {
			return err
		}
		reply, err := worker.PostMessage(cmd.Context(), shellcache.Message{Action: shellcache.ActionClearCache})
		if err != nil {
			return err
		}
		log.Info().Msg(reply.Message)
		return nil
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flags.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flags.StringVar(&cacheVersionFlag, "cache-version", "", "Cache version (overrides config)")
	flags.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flags.StringVar(&storageFlag, "storage", "", "Storage provider: sqlite, memory or redis (overrides config)")
	flags.StringVar(&dbFilenameFlag, "db", "", "Storage DB file name (use 'memory' for in-memory db)")
	flags.BoolVarP(&verbosityTraceFlag, "verbose", "v", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	}
	rootCmd.AddCommand(serveCmd, clearCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("build", version).Logger()
	return nil
}

// loadConfig reads the config file and environment, and applies the flags on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		return cfg, err
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if cacheVersionFlag != "" {
		cfg.Version = cacheVersionFlag
	}
	if portFlag > 0 {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if storageFlag != "" {
		cfg.Storage.Provider = storageFlag
	}
	if dbFilenameFlag != "" {
		cfg.Storage.Path = dbFilenameFlag
	}
	return cfg, cfg.Validate()
}

func openStorage(cfg config.Storage) (cache.Storage, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		return cache.NewMemStorage(), nil
	case config.ProviderRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return cache.NewRedisStorage(cache.RedisStorageOpts{
			Client: client,
			Prefix: cfg.RedisPrefix,
		})
	default:
		// set up sqlite memory provider
		dbFilename := cfg.Path
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	}
}

func createWorker(cfg config.Config, storage cache.Storage, metrics *shellcache.Metrics) (*shellcache.Worker, error) {
	originURL, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	scopeURL, err := cfg.ScopeURL()
	if err != nil {
		return nil, err
	}
	// requests for the public host are rewritten to the origin
	originHost := cfg.Host
	if originHost == "" && cfg.Scope != "" {
		originHost = scopeURL.Host
	}
	return shellcache.CreateWorker(shellcache.Config{
		Storage:      storage,
		Fetcher:      shellcache.NewOriginFetcher(originURL, originHost, cfg.FetchTimeout),
		Origin:       *scopeURL,
		Version:      cfg.Version,
		StorePrefix:  cfg.StorePrefix,
		StaticAssets: cfg.StaticAssets,
		OfflineURL:   cfg.OfflineURL,
		Classifier: shellcache.ClassifierConfig{
			APIPathMarkers:   cfg.Classifier.APIPathMarkers,
			APIQueryMarkers:  cfg.Classifier.APIQueryMarkers,
			StaticExtensions: cfg.Classifier.StaticExtensions,
		},
		Rules:   cfg.Rules,
		Logger:  &log.Logger,
		Metrics: metrics,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer storage.Close()

	worker, err := createWorker(cfg, storage, shellcache.NewMetrics())
	if err != nil {
		return err
	}
	defer worker.Close()

	if err := worker.Start(ctx); err != nil {
		// not fatal, requests go straight to the origin
		log.Error().Err(err).Msg("Worker not installed, passing requests through")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, cfg.Origin, cfg.Host)
	// the worker is closed only after in-flight requests are done
	return serve(ctx, &http.Server{Handler: worker.Router()}, ln, shutdownTimeout)
}

const shutdownTimeout = 10 * time.Second

// serve serves on ln until ctx is done, then shuts the server down.
// It returns once shutdown has completed.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	shutdownDone := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdownDone
}
