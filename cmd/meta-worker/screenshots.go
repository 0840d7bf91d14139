package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dorchlabs/archiver/engine/textmeta"
	"github.com/dorchlabs/archiver/pkg/config"
	"github.com/dorchlabs/archiver/pkg/fn"
	"github.com/dorchlabs/archiver/pkg/render"
	"github.com/dorchlabs/archiver/pkg/wadstore"
)

const uploadWorkers = 4

// screenshotRenderer renders screenshots for a fetched file inline and
// uploads them to the public images bucket.
type screenshotRenderer struct {
	run   *render.Runner
	store *wadstore.Store
	cfg   config.Config
	log   *slog.Logger
}

func (r *screenshotRenderer) RenderAndUpload(ctx context.Context, sha1, filePath string, entry map[string]any, extracted *textmeta.Extracted) error {
	if !r.cfg.UploadScreenshots {
		return nil
	}
	outDir, err := os.MkdirTemp(r.cfg.TmpPath, "dorch_shots_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(outDir)

	args := []string{
		"--output", outDir,
		"--num", strconv.Itoa(r.cfg.ScreenshotCount),
		"--width", strconv.Itoa(r.cfg.ScreenshotWidth),
		"--height", strconv.Itoa(r.cfg.ScreenshotHeight),
	}
	entryType, _ := entry["type"].(string)
	if strings.EqualFold(entryType, "IWAD") {
		args = append(args, "--iwad", filePath)
	} else {
		args = append(args, "--file", filePath)
		if iwad := iwadGuess(entry); iwad != "" {
			args = append(args, "--iwad-name", iwad)
		}
	}
	if r.cfg.Panorama {
		args = append(args, "--panorama")
	}

	res := r.run.Run(ctx, args...)
	if !res.OK {
		return fmt.Errorf("renderer %s: %s", res.Kind, res.Message)
	}
	return r.uploadAll(ctx, sha1, outDir)
}

// uploadAll pushes every rendered webp under outDir to the images bucket,
// keyed by the hash plus the renderer's relative layout.
func (r *screenshotRenderer) uploadAll(ctx context.Context, sha1, outDir string) error {
	var files []string
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".webp") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	results := fn.ParMap(files, uploadWorkers, func(path string) error {
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		key := sha1 + "/" + filepath.ToSlash(rel)
		return r.store.UploadPublic(ctx, key, path, "image/webp")
	})
	var failed []error
	for _, e := range results {
		if e != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed: %w", len(failed), len(files), errors.Join(failed...))
	}
	r.log.Info("screenshots uploaded", "sha1", sha1, "count", len(files))
	return nil
}

// iwadGuess picks the first IWAD hint from the primary entry.
func iwadGuess(entry map[string]any) string {
	if iwads, ok := entry["iwads"].([]any); ok {
		for _, v := range iwads {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
