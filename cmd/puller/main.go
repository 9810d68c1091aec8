package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/tweet-puller/internal/config"
	"github.com/Sternrassler/tweet-puller/pkg/checkpoint"
	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/metrics"
	"github.com/Sternrassler/tweet-puller/pkg/pipeline"
	"github.com/Sternrassler/tweet-puller/pkg/ratelimit"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := 0
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code = 1
	}
	stop()
	os.Exit(code)
}

type options struct {
	Output      string
	Duration    string
	ConfigPath  string
	Resume      bool
	BatchSize   int
	Verbose     bool
	MetricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "puller <username>",
		Short: "Extract an account's posts into a parquet file",
		Long: `puller pages through an account's posts, newest first, until the
lookback window is covered and writes them incrementally to a parquet file.
Progress is checkpointed next to the output so interrupted runs can be resumed.`,
		Example: `  puller @gopher -o gopher.parquet
  puller gopher --duration "7 days" --output-file gopher_7d.parquet
  puller @gopher -d "1 month" -o gopher.parquet --resume --verbose`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return run(c, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output-file", "o", "", "Output parquet file (e.g. posts.parquet)")
	flags.StringVarP(&opts.Duration, "duration", "d", "30 days", `Time period to go back (e.g. "7 days", "1 month")`)
	flags.StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: ./config.yaml if present)")
	flags.BoolVar(&opts.Resume, "resume", false, "Resume from an existing checkpoint")
	flags.IntVar(&opts.BatchSize, "batch-size", 50, "Number of records written per batch")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	_ = cmd.MarkFlagRequired("output-file")

	return cmd
}

func run(cmd *cobra.Command, username string, opts *options) error {
	ctx := cmd.Context()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Output.BatchSize = opts.BatchSize
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if opts.Verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty || logging.IsTerminal(cmd.ErrOrStderr()),
		Output: cmd.ErrOrStderr(),
	})

	if cfg.Remote.Token == "" {
		logger.Warn().Msg("No API token configured, set PULLER_REMOTE_TOKEN or remote.token")
	}

	limiter := ratelimit.New(cfg.RateLimit(), logger)
	client, err := remote.NewHTTPClient(cfg.RemoteClient(), limiter, logger)
	if err != nil {
		return fmt.Errorf("create remote client: %w", err)
	}

	store, closeStore, err := checkpointStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
		defer stopMetrics()
	}

	res, err := pipeline.Run(ctx, pipeline.Options{
		Subject:  username,
		Output:   opts.Output,
		Duration: opts.Duration,
		Resume:   opts.Resume,
		Remote:   client,
		Limiter:  limiter,
		Writer:   cfg.Writer(),
		Store:    store,
		Logger:   logger,
	})
	printSummary(cmd, res)
	return err
}

// checkpointStore returns the configured store. A nil store selects the
// file store next to the output.
func checkpointStore(ctx context.Context, cfg config.CheckpointConfig, logger zerolog.Logger) (checkpoint.Store, func(), error) {
	if cfg.Store != config.StoreRedis {
		return nil, func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis checkpoint store")

	return checkpoint.NewRedisStore(redisClient, cfg.RedisTTL), func() { redisClient.Close() }, nil
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	srv := metrics.NewServer(addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printSummary(cmd *cobra.Command, res pipeline.Result) {
	if res.Subject.ScreenName == "" {
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Extracted %s posts from @%s into %s\n",
		humanize.Comma(int64(res.Written)), res.Subject.ScreenName, res.Output)
	if res.Dropped > 0 || res.Duplicates > 0 {
		fmt.Fprintf(out, "Skipped %s invalid and %s duplicate records\n",
			humanize.Comma(int64(res.Dropped)), humanize.Comma(int64(res.Duplicates)))
	}
	if !res.Complete {
		reason := string(res.StopReason)
		if reason == "" {
			reason = "interrupted"
		}
		fmt.Fprintf(out, "Extraction incomplete (%s), checkpoint kept for --resume\n", reason)
	}
}
