package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwarden/warden/automod/captcha"
	"github.com/chatwarden/warden/automod/consumer"
	"github.com/chatwarden/warden/automod/engine"
	"github.com/chatwarden/warden/automod/userstore"
	"github.com/chatwarden/warden/internal/ticker"
	"github.com/chatwarden/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "group chat moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"WARDEN_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: json or text",
			Value:   "json",
			EnvVars: []string{"WARDEN_LOG_FORMAT"},
		},
		&cli.IntFlag{
			Name:    "max-metadb-connections",
			EnvVars: []string{"MAX_METADB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/warden/warden.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.BoolFlag{
			Name:    "readonly",
			Usage:   "log platform actions instead of executing them",
			EnvVars: []string{"WARDEN_READONLY", "READONLY"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for counters, flags, and classifier cache; in-process when empty",
			EnvVars: []string{"WARDEN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "sets-file",
			Usage:   "JSON file with named word and domain sets",
			EnvVars: []string{"WARDEN_SETS_FILE"},
		},
		&cli.StringSliceFlag{
			Name:    "stop-words",
			Usage:   "words or phrases which are always a violation",
			EnvVars: []string{"WARDEN_STOP_WORDS"},
		},
		&cli.StringSliceFlag{
			Name:    "suspicious-words",
			Usage:   "words which send a message to the classifier",
			EnvVars: []string{"WARDEN_SUSPICIOUS_WORDS"},
		},
		&cli.StringFlag{
			Name:    "llm-host",
			Usage:   "base URL of an OpenAI-compatible chat completions API",
			EnvVars: []string{"WARDEN_LLM_HOST"},
		},
		&cli.StringFlag{
			Name:    "llm-api-key",
			EnvVars: []string{"WARDEN_LLM_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "llm-model",
			Value:   "gpt-4o-mini",
			EnvVars: []string{"WARDEN_LLM_MODEL"},
		},
		&cli.StringFlag{
			Name:    "llm-vision-model",
			Usage:   "multimodal model for avatar analysis; disabled when empty",
			EnvVars: []string{"WARDEN_LLM_VISION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "hive-api-token",
			Usage:   "API token for Hive AI-generated image detection (takes precedence over the vision model)",
			EnvVars: []string{"HIVE_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for admin notices",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "platform-webhook-url",
			Usage:   "endpoint of the chat platform binding which applies actions",
			EnvVars: []string{"WARDEN_PLATFORM_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "platform-webhook-token",
			EnvVars: []string{"WARDEN_PLATFORM_WEBHOOK_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for the admin API; admin API disabled when empty",
			EnvVars: []string{"WARDEN_ADMIN_TOKEN"},
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "kafka brokers for the inbound event topic; kafka ingest disabled when empty",
			EnvVars: []string{"WARDEN_KAFKA_BROKERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Value:   "warden-events",
			EnvVars: []string{"WARDEN_KAFKA_TOPIC"},
		},
		&cli.StringFlag{
			Name:    "kafka-group",
			Value:   "warden",
			EnvVars: []string{"WARDEN_KAFKA_GROUP"},
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Usage:   "number of concurrent event workers for kafka ingest",
			Value:   16,
			EnvVars: []string{"WARDEN_PARALLELISM"},
		},
		&cli.Float64Flag{
			Name:    "classifier-low-threshold",
			Value:   0.6,
			EnvVars: []string{"WARDEN_CLASSIFIER_LOW_THRESHOLD"},
		},
		&cli.Float64Flag{
			Name:    "classifier-high-threshold",
			Value:   0.8,
			EnvVars: []string{"WARDEN_CLASSIFIER_HIGH_THRESHOLD"},
		},
		&cli.Float64Flag{
			Name:    "image-threshold",
			Value:   0.85,
			EnvVars: []string{"WARDEN_IMAGE_THRESHOLD"},
		},
		&cli.DurationFlag{
			Name:    "classifier-timeout",
			Value:   15 * time.Second,
			EnvVars: []string{"WARDEN_CLASSIFIER_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "captcha-timeout",
			Value:   5 * time.Minute,
			EnvVars: []string{"WARDEN_CAPTCHA_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "captcha-strict-timeout",
			Value:   1 * time.Minute,
			EnvVars: []string{"WARDEN_CAPTCHA_STRICT_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "captcha-retries",
			Value:   3,
			EnvVars: []string{"WARDEN_CAPTCHA_RETRIES"},
		},
		&cli.StringFlag{
			Name:    "captcha-puzzle",
			Usage:   "challenge style: button or arithmetic",
			Value:   "button",
			EnvVars: []string{"WARDEN_CAPTCHA_PUZZLE"},
		},
		&cli.IntFlag{
			Name:    "quota-ban-day",
			Usage:   "bans per day before further bans need manual review",
			Value:   engine.QuotaBanDay,
			EnvVars: []string{"WARDEN_QUOTA_BAN_DAY"},
		},
		&cli.DurationFlag{
			Name:    "audit-flush-interval",
			Value:   30 * time.Second,
			EnvVars: []string{"WARDEN_AUDIT_FLUSH_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(os.Stdout, cctx.String("log-format"), cctx.String("log-level"))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := configOTEL(ctx, "warden")
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer shutdownTracing()

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-metadb-connections"), logger)
		if err != nil {
			return err
		}
		store, err := userstore.NewGormStore(db)
		if err != nil {
			return fmt.Errorf("initializing user store: %w", err)
		}

		cfg, err := configFromCLI(cctx, logger)
		if err != nil {
			return err
		}
		srv, err := NewServer(store, cfg)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return RunMetrics(gctx, cctx.String("metrics-listen"))
		})
		g.Go(func() error {
			return srv.RunAPI(gctx)
		})
		g.Go(func() error {
			return srv.RunAuditFlusher(gctx, cctx.Duration("audit-flush-interval"))
		})
		if brokers := cctx.StringSlice("kafka-brokers"); len(brokers) > 0 {
			kc := &consumer.KafkaConsumer{
				Brokers:     brokers,
				Topic:       cctx.String("kafka-topic"),
				GroupID:     cctx.String("kafka-group"),
				Parallelism: cctx.Int("parallelism"),
				Logger:      logger,
				Processor:   srv.engine,
			}
			g.Go(func() error {
				return kc.Run(gctx)
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to run warden service: %w", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}

func configFromCLI(cctx *cli.Context, logger *slog.Logger) (Config, error) {
	ecfg := engine.DefaultConfig()
	ecfg.StopWords = cctx.StringSlice("stop-words")
	ecfg.SuspiciousWords = cctx.StringSlice("suspicious-words")
	ecfg.ClassifierLowThreshold = cctx.Float64("classifier-low-threshold")
	ecfg.ClassifierHighThreshold = cctx.Float64("classifier-high-threshold")
	ecfg.ImageThreshold = cctx.Float64("image-threshold")
	ecfg.ClassifierTimeout = cctx.Duration("classifier-timeout")
	ecfg.CaptchaTimeout = cctx.Duration("captcha-timeout")
	ecfg.CaptchaStrictTimeout = cctx.Duration("captcha-strict-timeout")
	ecfg.CaptchaRetries = cctx.Int("captcha-retries")
	ecfg.QuotaBanDay = cctx.Int("quota-ban-day")
	switch cctx.String("captcha-puzzle") {
	case "", "button":
		ecfg.CaptchaPuzzle = captcha.ButtonPuzzle
	case "arithmetic":
		ecfg.CaptchaPuzzle = captcha.ArithmeticPuzzle
	default:
		return Config{}, fmt.Errorf("unknown captcha puzzle: %q", cctx.String("captcha-puzzle"))
	}

	return Config{
		Engine:          ecfg,
		Bind:            cctx.String("bind"),
		SetsFileJSON:    cctx.String("sets-file"),
		RedisURL:        cctx.String("redis-url"),
		LLMHost:         cctx.String("llm-host"),
		LLMAPIKey:       cctx.String("llm-api-key"),
		LLMModel:        cctx.String("llm-model"),
		LLMVisionModel:  cctx.String("llm-vision-model"),
		HiveAPIToken:    cctx.String("hive-api-token"),
		SlackWebhookURL: cctx.String("slack-webhook-url"),
		PlatformURL:     cctx.String("platform-webhook-url"),
		PlatformToken:   cctx.String("platform-webhook-token"),
		AdminToken:      cctx.String("admin-token"),
		ReadOnly:        cctx.Bool("readonly"),
		Logger:          logger,
	}, nil
}

// Retries queued audit records until ctx is done, then makes one final attempt.
func (srv *Server) RunAuditFlusher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return ticker.Periodically(ctx, interval, 5*time.Second, func(ctx context.Context) error {
		srv.flushAudit(ctx)
		return nil
	})
}

func (srv *Server) flushAudit(ctx context.Context) {
	n, err := srv.engine.FlushAudit(ctx)
	if n > 0 {
		srv.logger.Info("flushed queued audit records", "count", n)
	}
	if err != nil {
		srv.logger.Warn("audit flush failed, will retry", "err", err, "pending", srv.engine.PendingAudit())
	}
}
