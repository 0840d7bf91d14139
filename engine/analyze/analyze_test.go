package analyze

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dorchlabs/archiver/engine/job"
	"github.com/dorchlabs/archiver/engine/textmeta"
	"github.com/dorchlabs/archiver/engine/worker"
	"github.com/dorchlabs/archiver/pkg/fn"
	"github.com/dorchlabs/archiver/pkg/wadstore"
)

const testSHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

type lumpFixture struct {
	name string
	data []byte
}

func buildWAD(lumps []lumpFixture) []byte {
	var body bytes.Buffer
	offsets := make([]int, len(lumps))
	off := 12
	for i, l := range lumps {
		offsets[i] = off
		body.Write(l.data)
		off += len(l.data)
	}
	var out bytes.Buffer
	out.WriteString("PWAD")
	binary.Write(&out, binary.LittleEndian, uint32(len(lumps)))
	binary.Write(&out, binary.LittleEndian, uint32(off))
	out.Write(body.Bytes())
	for i, l := range lumps {
		binary.Write(&out, binary.LittleEndian, uint32(offsets[i]))
		binary.Write(&out, binary.LittleEndian, uint32(len(l.data)))
		name := make([]byte, 8)
		copy(name, l.name)
		out.Write(name)
	}
	return out.Bytes()
}

func mapWAD(mapName string) []byte {
	return buildWAD([]lumpFixture{
		{mapName, nil},
		{"THINGS", make([]byte, 20)},
		{"LINEDEFS", make([]byte, 28)},
	})
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(e.data)
	}
	zw.Close()
	return buf.Bytes()
}

type fakeStore struct {
	object   []byte
	notFound bool
	resolves int
}

func (f *fakeStore) Resolve(_ context.Context, sha1, ext string, _ map[string]any) (string, []string, error) {
	f.resolves++
	if f.notFound {
		return "", []string{"00", "ff"}, wadstore.ErrNotFound
	}
	return wadstore.CanonicalKey(sha1, ext), nil, nil
}

func (f *fakeStore) Download(_ context.Context, _, dst string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(f.object)
	gz.Close()
	return os.WriteFile(dst, buf.Bytes(), 0o644)
}

func (f *fakeStore) PublicURL(key string) string { return "https://bucket.example/" + key }

type fakeCache struct {
	entries map[string][]byte
	gets    int
}

func (f *fakeCache) Enabled() bool { return true }

func (f *fakeCache) Get(_ context.Context, sha1 string) []byte {
	f.gets++
	return f.entries[sha1]
}

func (f *fakeCache) Put(_ context.Context, sha1 string, data []byte) {
	if f.entries == nil {
		f.entries = map[string][]byte{}
	}
	f.entries[sha1] = data
}

type fakeCatalog struct {
	puts []any
	fail int
}

func (f *fakeCatalog) PutRecord(_ context.Context, _ string, record any) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("catalog unavailable")
	}
	f.puts = append(f.puts, record)
	return nil
}

// fakeRenderer reads the handed file during the call, before the scratch
// directory is cleaned up.
type fakeRenderer struct {
	sha1s []string
	files [][]byte
}

func (f *fakeRenderer) RenderAndUpload(_ context.Context, sha1, filePath string, _ map[string]any, _ *textmeta.Extracted) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	f.sha1s = append(f.sha1s, sha1)
	f.files = append(f.files, data)
	return nil
}

func metaJob(entry map[string]any) *job.Meta {
	return &job.Meta{Version: job.Version, SHA1: testSHA1, WadEntry: entry}
}

func fastRetry() fn.RetryOpts {
	return fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func TestAnalyzeWAD(t *testing.T) {
	store := &fakeStore{object: mapWAD("MAP01")}
	cache := &fakeCache{}
	catalog := &fakeCatalog{}
	a := &Analyzer{Store: store, Cache: cache, Catalog: catalog, Publish: true, Retry: fastRetry(), TmpPath: t.TempDir()}

	out, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Record["sha1"] != testSHA1 {
		t.Errorf("record sha1 = %v", out.Record["sha1"])
	}
	if len(out.Maps) != 1 || out.Maps[0].Map != "MAP01" {
		t.Errorf("maps = %v", out.Maps)
	}
	if len(catalog.puts) != 1 {
		t.Fatalf("catalog puts = %d", len(catalog.puts))
	}
	obj := catalog.puts[0].(map[string]any)
	if obj["meta"] == nil || obj["maps"] == nil {
		t.Errorf("catalog object = %v", obj)
	}
	if cache.entries[testSHA1] == nil {
		t.Error("decompressed bytes not cached")
	}
}

func TestAnalyzeCacheHitSkipsStore(t *testing.T) {
	store := &fakeStore{object: mapWAD("MAP01")}
	cache := &fakeCache{entries: map[string][]byte{testSHA1: mapWAD("E1M1")}}
	a := &Analyzer{Store: store, Cache: cache, Retry: fastRetry(), TmpPath: t.TempDir()}

	out, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if store.resolves != 0 {
		t.Errorf("resolves = %d, want cache to short-circuit", store.resolves)
	}
	if len(out.Maps) != 1 || out.Maps[0].Map != "E1M1" {
		t.Errorf("maps = %v", out.Maps)
	}
}

func TestAnalyzeCacheHitStillRenders(t *testing.T) {
	cached := mapWAD("E1M1")
	store := &fakeStore{object: mapWAD("MAP01")}
	cache := &fakeCache{entries: map[string][]byte{testSHA1: cached}}
	renderer := &fakeRenderer{}
	a := &Analyzer{Store: store, Cache: cache, Renderer: renderer, Retry: fastRetry(), TmpPath: t.TempDir()}

	if _, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"})); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if store.resolves != 0 {
		t.Errorf("resolves = %d, want cache to short-circuit", store.resolves)
	}
	if len(renderer.files) != 1 {
		t.Fatal("renderer must run on a cache hit")
	}
	if !bytes.Equal(renderer.files[0], cached) {
		t.Error("renderer file does not hold the cached bytes")
	}
	if renderer.sha1s[0] != testSHA1 {
		t.Errorf("renderer sha1 = %q", renderer.sha1s[0])
	}
}

func TestAnalyzeStoreFetchRenders(t *testing.T) {
	object := mapWAD("MAP01")
	store := &fakeStore{object: object}
	renderer := &fakeRenderer{}
	a := &Analyzer{Store: store, Renderer: renderer, Retry: fastRetry(), TmpPath: t.TempDir()}

	if _, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"})); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(renderer.files) != 1 || !bytes.Equal(renderer.files[0], object) {
		t.Error("renderer must get the decompressed file")
	}
}

func TestAnalyzeZipLastWins(t *testing.T) {
	zipData := buildZip(t, []zipEntry{
		{"a/first.wad", mapWAD("MAP01")},
		{"z/second.wad", mapWAD("MAP01")},
	})
	store := &fakeStore{object: zipData}
	a := &Analyzer{Store: store, Retry: fastRetry(), TmpPath: t.TempDir()}

	out, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PK3"}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(out.Maps) != 1 || out.Maps[0].Map != "MAP01" {
		t.Fatalf("maps = %v, want one MAP01 after load-order merge", out.Maps)
	}
}

func TestAnalyzeMissingObjectStillEmitsRecord(t *testing.T) {
	store := &fakeStore{notFound: true}
	catalog := &fakeCatalog{}
	a := &Analyzer{Store: store, Catalog: catalog, Publish: true, Retry: fastRetry(), TmpPath: t.TempDir()}

	out, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD", "names": []any{"lost.wad"}}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	sources := out.Record["sources"].(map[string]any)
	extracted := sources["extracted"].(map[string]any)
	if extracted["format"] != "unknown" {
		t.Errorf("extracted = %v", extracted)
	}
	if len(catalog.puts) != 1 {
		t.Error("missing object must still produce a catalog record")
	}
	if len(out.Maps) != 0 {
		t.Errorf("maps = %v", out.Maps)
	}
}

func TestAnalyzeCatalogFailureIsRetryable(t *testing.T) {
	store := &fakeStore{object: mapWAD("MAP01")}
	catalog := &fakeCatalog{fail: 10}
	a := &Analyzer{Store: store, Catalog: catalog, Publish: true, Retry: fastRetry(), TmpPath: t.TempDir()}

	_, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"}))
	if err == nil {
		t.Fatal("want error when catalog stays down")
	}
	if !worker.IsRetryable(err) || worker.KindOf(err) != "WadinfoPut" {
		t.Errorf("err = %v, want retryable WadinfoPut", err)
	}
}

func TestAnalyzeCatalogRetrySucceeds(t *testing.T) {
	store := &fakeStore{object: mapWAD("MAP01")}
	catalog := &fakeCatalog{fail: 1}
	a := &Analyzer{Store: store, Catalog: catalog, Publish: true, Retry: fastRetry(), TmpPath: t.TempDir()}

	if _, err := a.Analyze(context.Background(), metaJob(map[string]any{"type": "PWAD"})); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(catalog.puts) != 1 {
		t.Errorf("catalog puts = %d, want success on retry", len(catalog.puts))
	}
}
