// Package analyze runs the metadata pipeline for one archived file: cache
// lookup, object-store fetch, decompression, container extraction, per-map
// statistics, source merging, and the catalog upload.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dorchlabs/archiver/engine/job"
	"github.com/dorchlabs/archiver/engine/mapstats"
	"github.com/dorchlabs/archiver/engine/metamerge"
	"github.com/dorchlabs/archiver/engine/textmeta"
	"github.com/dorchlabs/archiver/engine/wad"
	"github.com/dorchlabs/archiver/engine/worker"
	"github.com/dorchlabs/archiver/pkg/fn"
	"github.com/dorchlabs/archiver/pkg/wadstore"
)

// ObjectStore resolves and fetches archived artifacts.
type ObjectStore interface {
	Resolve(ctx context.Context, sha1, ext string, hashes map[string]any) (key string, tried []string, err error)
	Download(ctx context.Context, key, dstPath string) error
	PublicURL(key string) string
}

// ByteCache is the optional sidecar holding decompressed file bytes.
type ByteCache interface {
	Enabled() bool
	Get(ctx context.Context, sha1 string) []byte
	Put(ctx context.Context, sha1 string, data []byte)
}

// Catalog receives the merged output object.
type Catalog interface {
	PutRecord(ctx context.Context, sha1 string, record any) error
}

// Renderer optionally renders and uploads screenshots for the fetched
// file. Failures never fail the job.
type Renderer interface {
	RenderAndUpload(ctx context.Context, sha1, filePath string, entry map[string]any, extracted *textmeta.Extracted) error
}

// Output is the result of one analysis. Object is the catalog payload,
// {"meta": Record, "maps": Maps}.
type Output struct {
	Record map[string]any
	Maps   []mapstats.Summary
	Object map[string]any
}

// Analyzer holds the per-process collaborators. Cache and Renderer may be
// nil; Publish gates the catalog PUT.
type Analyzer struct {
	Store    ObjectStore
	Cache    ByteCache
	Catalog  Catalog
	Renderer Renderer
	TmpPath  string
	Publish  bool
	Retry    fn.RetryOpts
	Log      *slog.Logger
}

type state struct {
	job       *job.Meta
	ext       string
	scratch   string
	file      string
	data      []byte
	key       string
	url       string
	tried     []string
	hashes    metamerge.Hashes
	integrity *metamerge.Integrity
	extracted *textmeta.Extracted
	summaries []mapstats.Summary
	out       *Output
}

func (a *Analyzer) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Analyzer) retryOpts() fn.RetryOpts {
	if a.Retry.MaxAttempts > 0 {
		return a.Retry
	}
	return fn.RetryOpts{MaxAttempts: 3, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Jitter: true}
}

// Analyze processes one metadata job end to end. A missing object still
// yields a record noting the failure; transient infrastructure errors are
// returned tagged for redelivery.
func (a *Analyzer) Analyze(ctx context.Context, j *job.Meta) (*Output, error) {
	st := &state{
		job: j,
		ext: wad.ExtForType(entryString(j.WadEntry, "type")),
	}
	defer func() {
		if st.scratch != "" {
			os.RemoveAll(st.scratch)
		}
	}()

	p := fn.Pipeline(
		fn.TracedStage("analyze.fetch", a.fetch),
		fn.TracedStage("analyze.extract", a.extract),
		fn.TracedStage("analyze.render", a.render),
		fn.TracedStage("analyze.merge", a.merge),
		fn.TracedStage("analyze.publish", fn.RetryStage(a.retryOpts(), a.publish)),
	)
	if _, err := p(ctx, st).Unwrap(); err != nil {
		return nil, err
	}
	return st.out, nil
}

// fetch produces the decompressed file bytes, consulting the cache before
// the object store.
func (a *Analyzer) fetch(ctx context.Context, st *state) fn.Result[*state] {
	sha1 := st.job.SHA1
	expected, _ := st.job.WadEntry["hashes"].(map[string]any)

	if a.Cache != nil && a.Cache.Enabled() {
		if data := a.Cache.Get(ctx, sha1); data != nil {
			// Cached bytes still go to a scratch file so the renderer
			// has a path to hand the subprocess.
			scratch, err := os.MkdirTemp(a.TmpPath, "dorch_meta_")
			if err != nil {
				return fn.Err[*state](worker.Retryable("Scratch", err))
			}
			st.scratch = scratch
			filePath := filepath.Join(scratch, sha1+"."+st.ext)
			if err := os.WriteFile(filePath, data, 0o644); err != nil {
				return fn.Err[*state](worker.Retryable("Scratch", err))
			}
			st.data = data
			st.file = filePath
			st.key = wadstore.CanonicalKey(sha1, st.ext)
			st.url = a.Store.PublicURL(st.key)
			return fn.Ok(st)
		}
	}

	key, tried, err := a.Store.Resolve(ctx, sha1, st.ext, expected)
	st.tried = tried
	if errors.Is(err, wadstore.ErrNotFound) {
		ex := textmeta.Unknown("file not found in object store")
		ex.TriedPrefixes = tried
		st.extracted = ex
		return fn.Ok(st)
	}
	if err != nil {
		return fn.Err[*state](worker.Retryable("S3Resolve", err))
	}
	st.key = key
	st.url = a.Store.PublicURL(key)

	scratch, err := os.MkdirTemp(a.TmpPath, "dorch_meta_")
	if err != nil {
		return fn.Err[*state](worker.Retryable("Scratch", err))
	}
	st.scratch = scratch
	gzPath := filepath.Join(scratch, sha1+"."+st.ext+".gz")
	filePath := filepath.Join(scratch, sha1+"."+st.ext)

	if err := a.Store.Download(ctx, key, gzPath); err != nil {
		return fn.Err[*state](worker.Retryable("S3Download", err))
	}
	if err := wadstore.Gunzip(gzPath, filePath); err != nil {
		// A corrupt stored object will not improve with redelivery.
		st.extracted = textmeta.Unknown(fmt.Sprintf("decompress failed: %v", err))
		return fn.Ok(st)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fn.Err[*state](worker.Retryable("Scratch", err))
	}
	st.data = data
	st.file = filePath
	if a.Cache != nil {
		a.Cache.Put(ctx, sha1, data)
	}
	return fn.Ok(st)
}

// extract hashes the bytes, validates integrity, scans the container, and
// computes per-map statistics.
func (a *Analyzer) extract(_ context.Context, st *state) fn.Result[*state] {
	if st.data == nil {
		if st.extracted == nil {
			st.extracted = textmeta.Unknown("no file data")
		}
		return fn.Ok(st)
	}

	st.hashes = metamerge.ComputeHashes(st.data)
	if expected, ok := st.job.WadEntry["hashes"].(map[string]any); ok {
		ig := metamerge.CheckIntegrity(st.hashes, expected)
		st.integrity = &ig
	}

	if dir, err := wad.ParseDirectory(st.data); err == nil {
		st.extracted = textmeta.ExtractFromWAD(st.data)
		st.summaries = summarizeAll(st.data, dir)
	} else if wad.IsZipData(st.data) || wad.ZipExts[st.ext] {
		st.extracted = textmeta.ExtractFromZip(st.data)
		if embedded, zerr := wad.EmbeddedWADs(st.data); zerr == nil {
			groups := make([][]mapstats.Summary, 0, len(embedded))
			for _, ew := range embedded {
				groups = append(groups, summarizeAll(ew.Data, ew.Dir))
			}
			st.summaries = mapstats.MergeLoadOrder(groups...)
		}
	} else {
		st.extracted = textmeta.Unknown("unrecognized container format")
	}
	st.summaries = mapstats.DedupeKeepLast(st.summaries)
	return fn.Ok(st)
}

func (a *Analyzer) render(ctx context.Context, st *state) fn.Result[*state] {
	if a.Renderer == nil || st.file == "" {
		return fn.Ok(st)
	}
	if err := a.Renderer.RenderAndUpload(ctx, st.job.SHA1, st.file, st.job.WadEntry, st.extracted); err != nil {
		a.log().Warn("screenshot rendering failed", "sha1", st.job.SHA1, "error", err)
	}
	return fn.Ok(st)
}

func (a *Analyzer) merge(_ context.Context, st *state) fn.Result[*state] {
	record := metamerge.BuildRecord(metamerge.Params{
		SHA1:      st.job.SHA1,
		URL:       st.url,
		Computed:  st.hashes,
		Extracted: st.extracted,
		Primary:   st.job.WadEntry,
		CrossRef:  st.job.IdgamesEntry,
		Integrity: st.integrity,
	})
	maps := st.summaries
	if maps == nil {
		maps = []mapstats.Summary{}
	}
	st.out = &Output{
		Record: record,
		Maps:   maps,
		Object: map[string]any{"meta": record, "maps": maps},
	}
	return fn.Ok(st)
}

func (a *Analyzer) publish(ctx context.Context, st *state) fn.Result[*state] {
	if !a.Publish || a.Catalog == nil {
		return fn.Ok(st)
	}
	if err := a.Catalog.PutRecord(ctx, st.job.SHA1, st.out.Object); err != nil {
		return fn.Err[*state](worker.Retryable("WadinfoPut", err))
	}
	return fn.Ok(st)
}

func summarizeAll(buf []byte, dir *wad.Directory) []mapstats.Summary {
	blocks := dir.MapBlocks()
	out := make([]mapstats.Summary, 0, len(blocks))
	for i := range blocks {
		out = append(out, mapstats.Summarize(buf, dir, &blocks[i]))
	}
	return out
}

func entryString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
