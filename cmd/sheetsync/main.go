// Package main implements the sheetsync binary, which synchronizes a Google
// Sheets range into PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/sheetsync/internal/batch"
	"github.com/cybertec-postgresql/sheetsync/internal/breaker"
	"github.com/cybertec-postgresql/sheetsync/internal/etcd"
	"github.com/cybertec-postgresql/sheetsync/internal/log"
	"github.com/cybertec-postgresql/sheetsync/internal/mapping"
	"github.com/cybertec-postgresql/sheetsync/internal/metrics"
	"github.com/cybertec-postgresql/sheetsync/internal/model"
	"github.com/cybertec-postgresql/sheetsync/internal/retry"
	"github.com/cybertec-postgresql/sheetsync/internal/source"
	"github.com/cybertec-postgresql/sheetsync/internal/store"
	"github.com/cybertec-postgresql/sheetsync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN     string `short:"p" env:"SHEETSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	EtcdDSN         string `short:"e" env:"SHEETSYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string, enables the cross-process sync lock"`
	SpreadsheetID   string `short:"s" env:"SHEETSYNC_SPREADSHEET_ID" long:"spreadsheet-id" description:"Google Sheets spreadsheet ID"`
	Range           string `env:"SHEETSYNC_RANGE" long:"range" description:"Sheet range to read, first row holds the headers" default:"A:ZZ"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS" long:"credentials-file" description:"Service account credentials file"`
	MappingFile     string `short:"m" env:"SHEETSYNC_MAPPING" long:"mapping" description:"YAML column mapping file"`
	KeyColumn       string `env:"SHEETSYNC_KEY_COLUMN" long:"key-column" description:"Key column when no mapping file is given" default:"ID"`
	Table           string `env:"SHEETSYNC_TABLE" long:"table" description:"Target table" default:"sync_record"`
	LogLevel        string `short:"l" env:"SHEETSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFormat       string `env:"SHEETSYNC_LOG_FORMAT" long:"log-format" description:"Log format" choice:"text" choice:"json" default:"text"`

	BatchSize        int           `env:"SHEETSYNC_BATCH_SIZE" long:"batch-size" description:"Records per bulk upsert" default:"100"`
	RateLimit        int           `env:"SHEETSYNC_RATE_LIMIT" long:"rate-limit" description:"Batch submissions per rate interval" default:"10"`
	RateInterval     time.Duration `env:"SHEETSYNC_RATE_INTERVAL" long:"rate-interval" description:"Rate limit interval" default:"1s"`
	Concurrency      int           `env:"SHEETSYNC_CONCURRENCY" long:"concurrency" description:"Batches in flight" default:"5"`
	MaxRetries       int           `env:"SHEETSYNC_MAX_RETRIES" long:"max-retries" description:"Attempts per record after a failed batch" default:"3"`
	RetryDelay       time.Duration `env:"SHEETSYNC_RETRY_DELAY" long:"retry-delay" description:"First per-record retry delay, doubled on every attempt" default:"1s"`
	CircuitThreshold int           `env:"SHEETSYNC_CIRCUIT_THRESHOLD" long:"circuit-threshold" description:"Consecutive store failures that open the circuit" default:"5"`
	CircuitTimeout   time.Duration `env:"SHEETSYNC_CIRCUIT_TIMEOUT" long:"circuit-timeout" description:"Time the circuit stays open" default:"60s"`
	RequestTimeout   time.Duration `env:"SHEETSYNC_REQUEST_TIMEOUT" long:"request-timeout" description:"Timeout of a single store call" default:"30s"`

	Keys        []string      `short:"k" long:"key" description:"Sync only this key, may be repeated"`
	Interval    time.Duration `env:"SHEETSYNC_INTERVAL" long:"interval" description:"Run a full sync every interval instead of once"`
	MetricsAddr string        `env:"SHEETSYNC_METRICS_ADDR" long:"metrics-addr" description:"Serve /metrics and /health on this address"`
	Health      bool          `long:"health" description:"Print service health as JSON and exit"`
	Version     bool          `short:"v" long:"version" description:"Show version information"`
	Help        bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// Validate checks option combinations go-flags cannot express
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("--postgres-dsn is required")
	}
	if c.Health {
		return nil
	}
	if c.SpreadsheetID == "" {
		return errors.New("--spreadsheet-id is required")
	}
	if c.Interval > 0 && len(c.Keys) > 0 {
		return errors.New("--interval and --key are mutually exclusive")
	}
	return nil
}

// ClientConfig returns the store client settings
func (c *Config) ClientConfig() store.ClientConfig {
	cfg := store.DefaultClientConfig()
	cfg.Breaker = breaker.Config{Name: "store", Threshold: c.CircuitThreshold, Timeout: c.CircuitTimeout}
	cfg.RequestTimeout = c.RequestTimeout
	return cfg
}

// SyncConfig returns the orchestrator settings
func (c *Config) SyncConfig() sync.Config {
	cfg := sync.DefaultConfig()
	cfg.Batch = batch.Config{
		BatchSize:   c.BatchSize,
		RateLimit:   c.RateLimit,
		Interval:    c.RateInterval,
		Concurrency: c.Concurrency,
		MaxRetries:  c.MaxRetries,
		RetryDelay:  c.RetryDelay,
	}
	cfg.SourceRetry = retry.SourceDefaults()
	return cfg
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("sheetsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel, logFormat string) error {
	if err := log.Setup(logLevel, logFormat == "json"); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetReportCaller(false)
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("sheetsync logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// NewMapper loads the mapping file or falls back to a passthrough mapping
func NewMapper(c *Config) (*mapping.Mapping, error) {
	if c.MappingFile != "" {
		return mapping.Load(c.MappingFile)
	}
	return mapping.Passthrough(c.KeyColumn)
}

// NewHTTPHandler serves Prometheus metrics and service health
func NewHTTPHandler(svc *sync.Service, sink *metrics.PrometheusSink) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", sink.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == sync.Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logrus.WithField("addr", addr).Info("Serving metrics and health")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
}

// logProgress logs progress events and reports the records still pending
// through the queue gauge until ctx is done
func logProgress(ctx context.Context, svc *sync.Service, sink *metrics.PrometheusSink) {
	events, cancel := svc.Subscribe(64)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	go func() {
		for ev := range events {
			sink.SetQueueSize(ev.Total - ev.Processed)
			logrus.WithFields(logrus.Fields{
				"sync_id":   ev.SyncID,
				"processed": ev.Processed,
				"total":     ev.Total,
				"succeeded": ev.Succeeded,
				"failed":    ev.Failed,
			}).Debug("Sync progress")
		}
	}()
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Closers releases connections in reverse order of acquisition. Close runs
// every function once; later calls are no-ops.
type Closers struct {
	fns []func()
}

// Add registers a close function
func (c *Closers) Add(fn func()) {
	c.fns = append(c.fns, fn)
}

// Close runs the registered functions, last added first
func (c *Closers) Close() {
	fns := c.fns
	c.fns = nil
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ExitCode maps a finished run to the process exit code
func ExitCode(result model.SyncResult) int {
	switch result.Status {
	case model.StatusCompleted:
		return 0
	case model.StatusPartial:
		return 2
	default:
		return 1
	}
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// connections are closed on every way out, including logrus.Fatal
	var closers Closers
	defer closers.Close()
	logrus.RegisterExitHandler(closers.Close)
	exit := func(code int) {
		closers.Close()
		os.Exit(code)
	}

	pgPool, err := store.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	closers.Add(pgPool.Close)

	if err := store.ApplyMigrations(ctx, pgPool); err != nil {
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}

	mapper, err := NewMapper(config)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load column mapping")
	}

	var locker etcd.Locker
	if config.EtcdDSN != "" {
		etcdClient, err := etcd.NewClientWithRetry(ctx, config.EtcdDSN)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to etcd after retries")
		}
		closers.Add(func() { _ = etcdClient.Close() })
		locker = etcd.NewLocker(etcdClient, 30)
	}

	client := store.NewResilientClient(store.NewStore(pgPool, config.Table), config.ClientConfig())
	promSink := metrics.NewPrometheusSink()
	pgSink := metrics.NewPostgresSink(pgPool)

	svc, err := sync.NewService(sync.Deps{
		Source: source.NewSheetsProvider(source.SheetsConfig{
			SpreadsheetID:   config.SpreadsheetID,
			Range:           config.Range,
			CredentialsFile: config.CredentialsFile,
		}),
		Mapper:  mapper,
		Store:   client,
		Sink:    metrics.Multi{promSink, pgSink},
		Journal: pgSink,
		Locker:  locker,
	}, config.SyncConfig())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create sync service")
	}

	if config.Health {
		h := svc.Health(ctx)
		writeJSON(os.Stdout, h)
		if h.Status == sync.Unhealthy {
			exit(1)
		}
		return
	}

	if config.MetricsAddr != "" {
		serveHTTP(ctx, config.MetricsAddr, NewHTTPHandler(svc, promSink))
	}
	logProgress(ctx, svc, promSink)

	if config.Interval > 0 {
		if err := svc.Run(ctx, config.Interval); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Fatal("Synchronization failed")
		}
		logrus.Info("Graceful shutdown completed")
		return
	}

	var result model.SyncResult
	if len(config.Keys) > 0 {
		result, err = svc.SyncByKeys(ctx, config.Keys)
	} else {
		result, err = svc.SyncAll(ctx)
	}
	if err != nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}
	writeJSON(os.Stdout, result)
	if code := ExitCode(result); code != 0 {
		exit(code)
	}
}
