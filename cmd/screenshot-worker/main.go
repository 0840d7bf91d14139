// Command screenshot-worker consumes image jobs, runs the renderer in an
// isolated subprocess, and registers the uploaded images with the catalog.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/dorchlabs/archiver/engine/job"
	"github.com/dorchlabs/archiver/engine/worker"
	"github.com/dorchlabs/archiver/pkg/config"
	"github.com/dorchlabs/archiver/pkg/fn"
	"github.com/dorchlabs/archiver/pkg/metrics"
	"github.com/dorchlabs/archiver/pkg/natsutil"
	"github.com/dorchlabs/archiver/pkg/render"
	"github.com/dorchlabs/archiver/pkg/wadinfo"
)

type renderRunner interface {
	Run(ctx context.Context, args ...string) render.Result
}

type imagesCatalog interface {
	PutMapImages(ctx context.Context, wadID, mapName string, images []wadinfo.ImageRef) error
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.FromEnv()

	durable := flag.String("durable", cfg.ImagesDurable, "durable consumer name")
	batch := flag.Int("batch", cfg.ImagesBatch, "messages per pull fetch")
	fetchTimeout := flag.Duration("fetch-timeout", cfg.ImagesFetchTimeout, "pull fetch timeout")
	flag.Parse()
	cfg.ImagesDurable = *durable
	cfg.ImagesBatch = *batch
	cfg.ImagesFetchTimeout = *fetchTimeout

	met := metrics.New()
	if cfg.MetricsEnabled {
		met.ServeAsync(metricsAddr(cfg), log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, met); err != nil {
		log.Error("screenshot-worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config, met *metrics.Registry) error {
	runner := &render.Runner{
		Command: strings.Fields(cfg.RendererCommand),
		Timeout: cfg.RenderTimeout,
	}
	catalog := wadinfo.New(cfg.WadinfoBaseURL, cfg.WadinfoTimeout)
	noMaps := met.Counter("dorch_screenshot_no_maps_total", "Renders that found no maps")

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
	subject := job.SubjectPrefix + ".*." + job.ImageSuffix
	if err := natsutil.EnsureStream(js, cfg.ImagesStream, []string{subject},
		natsutil.StreamOptions{
			MaxAge:       cfg.ImagesMaxAge,
			DedupeWindow: cfg.ImagesDedupeWindow,
		}); err != nil {
		return err
	}
	fetch, err := worker.Subscribe(js, cfg.ImagesStream, subject, cfg.ImagesDurable)
	if err != nil {
		return err
	}

	wr := worker.NewRunner(fetch, imageHandler(runner, catalog, log, noMaps), worker.Options{
		Name:          "dorch_screenshot",
		Batch:         cfg.ImagesBatch,
		FetchTimeout:  cfg.ImagesFetchTimeout,
		MaxDeliveries: cfg.ScreenshotMaxDeliveries,
		ReadyFile:     cfg.ReadyFile,
		Logger:        log,
		Registry:      met,
	})
	return wr.Run(ctx)
}

// imageHandler runs the renderer for one catalog wad id and uploads the
// resulting image references.
func imageHandler(runner renderRunner, catalog imagesCatalog, log *slog.Logger, noMaps *metrics.Counter) worker.Handler {
	return func(ctx context.Context, m worker.Msg) error {
		wadID, err := jobWadID(m.Subject(), m.Data())
		if err != nil {
			return worker.Fatal("BadPayload", err)
		}

		res := runner.Run(ctx, "--wad-id", wadID)
		if !res.OK {
			rerr := fmt.Errorf("%s", res.Message)
			if tail := strings.TrimSpace(res.Stderr); tail != "" {
				log.Warn("renderer stderr tail", "wad_id", wadID, "stderr", tail)
			}
			kind := res.Kind
			if kind == "" {
				kind = "RendererError"
			}
			if !res.Retry {
				return worker.Fatal(kind, rerr)
			}
			return worker.Retryable(kind, rerr)
		}

		if len(res.MapImages) == 0 {
			noMaps.Inc()
			log.Info("renderer found no maps", "wad_id", wadID)
			return nil
		}

		names := make([]string, 0, len(res.MapImages))
		for name := range res.MapImages {
			names = append(names, name)
		}
		sort.Strings(names)

		var failed []error
		for _, name := range names {
			images := fn.Map(res.MapImages[name], func(img render.ImageRef) wadinfo.ImageRef {
				return wadinfo.ImageRef{URL: img.URL, Type: img.Type}
			})
			if err := catalog.PutMapImages(ctx, wadID, name, images); err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
			}
		}
		if len(failed) > 0 {
			return worker.Retryable("WadinfoPut", errors.Join(failed...))
		}
		return nil
	}
}

// jobWadID extracts the catalog uuid for an image job. The subject's
// embedded id wins over the payload when both are present.
func jobWadID(subject string, payload []byte) (string, error) {
	if id, err := job.WadIDFromSubject(subject); err == nil {
		return id, nil
	}
	id := strings.Trim(strings.TrimSpace(string(payload)), `"`)
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("no usable wad id in subject or payload: %w", err)
	}
	return id, nil
}

func metricsAddr(cfg config.Config) string {
	if cfg.MetricsAddr != "" {
		return cfg.MetricsAddr
	}
	return fmt.Sprintf(":%d", cfg.MetricsPort)
}
