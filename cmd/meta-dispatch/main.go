// Command meta-dispatch reads the primary and cross-reference indexes and
// publishes one metadata job per archived file to the work-queue stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dorchlabs/archiver/engine/job"
	"github.com/dorchlabs/archiver/pkg/config"
	"github.com/dorchlabs/archiver/pkg/metrics"
	"github.com/dorchlabs/archiver/pkg/natsutil"
)

var met = metrics.New()

var (
	mDispatched = met.Counter("dorch_dispatch_jobs_total", "Jobs published to the stream")
	mSkipped    = met.Counter("dorch_dispatch_skipped_total", "Index entries skipped")
)

func main() {
	var (
		wadsJSON    = flag.String("wads-json", "", "path or URL to the primary index (required)")
		idgamesJSON = flag.String("idgames-json", "", "path or URL to the cross-reference index (required)")
		readmesJSON = flag.String("readmes-json", "", "path or URL to the readmes index (JSONL, optional)")
		start       = flag.Int("start", 0, "start offset into the primary index")
		limit       = flag.Int("limit", 0, "dispatch at most N jobs (0 = all)")
		sleep       = flag.Float64("sleep", 0, "seconds between publishes")
		smokeTestID = flag.String("smoke-test-id", "", "only dispatch hashes containing this substring")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *wadsJSON == "" || *idgamesJSON == "" {
		log.Error("--wads-json and --idgames-json are required")
		os.Exit(2)
	}

	cfg := config.FromEnv()
	if cfg.MetricsEnabled {
		met.ServeAsync(metricsAddr(cfg), log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg, *wadsJSON, *idgamesJSON, *readmesJSON, *start, *limit, *sleep, *smokeTestID); err != nil {
		log.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config,
	wadsJSON, idgamesJSON, readmesJSON string, start, limit int, sleep float64, smokeTestID string) error {

	scratch := cfg.TmpPath
	if scratch == "" {
		scratch = os.TempDir()
	}
	httpc := &http.Client{Timeout: 5 * time.Minute}

	localize := func(src, name string) (string, error) {
		if !isHTTPURL(src) {
			return src, nil
		}
		dst := filepath.Join(scratch, name)
		log.Info("downloading index", "url", src, "dest", dst)
		if err := fetchToFile(httpc, src, dst); err != nil {
			return "", err
		}
		return dst, nil
	}

	wadsPath, err := localize(wadsJSON, "wads.json")
	if err != nil {
		return err
	}
	idgamesPath, err := localize(idgamesJSON, "idgames.json")
	if err != nil {
		return err
	}

	wads, err := readEntries(wadsPath)
	if err != nil {
		return fmt.Errorf("read primary index: %w", err)
	}
	idgames, err := readEntries(idgamesPath)
	if err != nil {
		return fmt.Errorf("read cross-reference index: %w", err)
	}

	known := knownSHA1s(wads)
	crossRef := buildCrossRefLookup(idgames, known)

	readmes := map[string]map[string]any{}
	if readmesJSON != "" {
		readmesPath, err := localize(readmesJSON, "readmes.json")
		if err != nil {
			return err
		}
		entries, err := readEntries(readmesPath)
		if err != nil {
			return fmt.Errorf("read readmes index: %w", err)
		}
		readmes = buildSHA1Lookup(entries, known)
	}
	log.Info("indexes loaded",
		"primary", len(wads), "cross_ref", len(crossRef), "readmes", len(readmes))

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
	if err := natsutil.EnsureStream(js, cfg.MetaStream,
		[]string{job.SubjectPrefix + ".*." + job.MetaSuffix},
		natsutil.StreamOptions{
			MaxAge:       cfg.MetaMaxAge,
			DedupeWindow: cfg.MetaDedupeWindow,
			MaxBytes:     cfg.MetaMaxBytes,
		}); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if sleep > 0 {
		limiter = rate.NewLimiter(rate.Limit(1/sleep), 1)
	}

	if start < 0 {
		start = 0
	}
	end := len(wads)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start > end {
		start = end
	}

	published := 0
	for _, entry := range wads[start:end] {
		if ctx.Err() != nil {
			break
		}
		sha1 := entrySHA1(entry)
		if sha1 == "" {
			mSkipped.Inc()
			continue
		}
		if smokeTestID != "" && !strings.Contains(sha1, smokeTestID) {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		j := job.Meta{
			Version:      job.Version,
			SHA1:         sha1,
			WadEntry:     entry,
			IdgamesEntry: crossRef[sha1],
			ReadmesEntry: readmes[sha1],
			DispatchedAt: float64(time.Now().UnixNano()) / 1e9,
		}
		payload, err := j.Encode()
		if err != nil {
			log.Warn("cannot encode job", "sha1", sha1, "error", err)
			mSkipped.Inc()
			continue
		}

		msg := natsutil.NewMsg(ctx, job.MetaSubject(sha1), payload, job.MsgID(sha1))
		if err := natsutil.Publish(ctx, js, msg, cfg.NATSPublishTimeout); err != nil {
			return fmt.Errorf("publish %s: %w", sha1, err)
		}
		mDispatched.Inc()
		published++
	}

	log.Info("dispatch complete", "published", published, "stream", cfg.MetaStream)
	return nil
}

func metricsAddr(cfg config.Config) string {
	if cfg.MetricsAddr != "" {
		return cfg.MetricsAddr
	}
	return fmt.Sprintf(":%d", cfg.MetricsPort)
}
