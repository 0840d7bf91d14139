// Command meta-worker consumes metadata jobs from the work-queue stream,
// analyzes each archived file, and uploads the merged record to the
// catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dorchlabs/archiver/engine/analyze"
	"github.com/dorchlabs/archiver/engine/job"
	"github.com/dorchlabs/archiver/engine/worker"
	"github.com/dorchlabs/archiver/pkg/config"
	"github.com/dorchlabs/archiver/pkg/metrics"
	"github.com/dorchlabs/archiver/pkg/natsutil"
	"github.com/dorchlabs/archiver/pkg/render"
	"github.com/dorchlabs/archiver/pkg/wadcache"
	"github.com/dorchlabs/archiver/pkg/wadinfo"
	"github.com/dorchlabs/archiver/pkg/wadstore"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.FromEnv()

	durable := flag.String("durable", cfg.MetaDurable, "durable consumer name")
	batch := flag.Int("batch", cfg.MetaBatch, "messages per pull fetch")
	fetchTimeout := flag.Duration("fetch-timeout", cfg.MetaFetchTimeout, "pull fetch timeout")
	flag.Parse()
	cfg.MetaDurable = *durable
	cfg.MetaBatch = *batch
	cfg.MetaFetchTimeout = *fetchTimeout

	met := metrics.New()
	if cfg.MetricsEnabled {
		met.ServeAsync(metricsAddr(cfg), log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, met); err != nil {
		log.Error("meta-worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config, met *metrics.Registry) error {
	store, err := wadstore.New(ctx, cfg.WadBucket, cfg.WadEndpoint, log)
	if err != nil {
		return fmt.Errorf("wad store: %w", err)
	}
	cache := wadcache.New(wadcache.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	}, log)
	catalog := wadinfo.New(cfg.WadinfoBaseURL, cfg.WadinfoTimeout)

	var renderer analyze.Renderer
	if cfg.RenderScreenshots {
		images, err := wadstore.New(ctx, cfg.ImagesBucket, cfg.ImagesEndpoint, log)
		if err != nil {
			return fmt.Errorf("images store: %w", err)
		}
		renderer = &screenshotRenderer{
			run: &render.Runner{
				Command: strings.Fields(cfg.RendererCommand),
				Timeout: cfg.RenderTimeout,
			},
			store: images,
			cfg:   cfg,
			log:   log,
		}
	}

	analyzer := &analyze.Analyzer{
		Store:    store,
		Cache:    cache,
		Catalog:  catalog,
		Renderer: renderer,
		TmpPath:  cfg.TmpPath,
		Publish:  cfg.PostToWadinfo,
		Log:      log,
	}

	nc, err := natsutil.Connect(natsutil.ConnectOptions{
		URL:      cfg.NATSURL,
		User:     cfg.NATSUser,
		Password: cfg.NATSPassword,
		Token:    cfg.NATSToken,
		Name:     cfg.NATSName,
	})
	if err != nil {
		return err
	}
	defer func() {
		nc.FlushTimeout(cfg.NATSFlushTimeout)
		nc.Drain()
	}()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	subject := job.SubjectPrefix + ".*." + job.MetaSuffix
	if err := natsutil.EnsureStream(js, cfg.MetaStream, []string{subject},
		natsutil.StreamOptions{
			MaxAge:       cfg.MetaMaxAge,
			DedupeWindow: cfg.MetaDedupeWindow,
			MaxBytes:     cfg.MetaMaxBytes,
		}); err != nil {
		return err
	}
	fetch, err := worker.Subscribe(js, cfg.MetaStream, subject, cfg.MetaDurable)
	if err != nil {
		return err
	}

	runner := worker.NewRunner(fetch, metaHandler(analyzer), worker.Options{
		Name:          "dorch_meta",
		Batch:         cfg.MetaBatch,
		FetchTimeout:  cfg.MetaFetchTimeout,
		MaxDeliveries: cfg.MetaMaxDeliveries,
		ReadyFile:     cfg.ReadyFile,
		Logger:        log,
		Registry:      met,
	})
	return runner.Run(ctx)
}

// metaHandler decodes the envelope and runs the analysis pipeline.
func metaHandler(a *analyze.Analyzer) worker.Handler {
	return func(ctx context.Context, m worker.Msg) error {
		j, err := decodeJob(m.Subject(), m.Data())
		if err != nil {
			return worker.Fatal("BadPayload", err)
		}
		_, err = a.Analyze(ctx, j)
		return err
	}
}

// decodeJob parses a job payload. When the subject carries a valid hash
// that disagrees with the payload, the subject wins.
func decodeJob(subject string, payload []byte) (*job.Meta, error) {
	j, err := job.DecodeMeta(payload)
	if err != nil {
		return nil, err
	}
	if sha1, serr := job.SHA1FromSubject(subject); serr == nil && sha1 != j.SHA1 {
		j.SHA1 = sha1
	}
	return j, nil
}

func metricsAddr(cfg config.Config) string {
	if cfg.MetricsAddr != "" {
		return cfg.MetricsAddr
	}
	return fmt.Sprintf(":%d", cfg.MetricsPort)
}
