package wadstore

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const testSHA1 = "00a1b2c3d4e5f60718293a4b5c6d7e8f90123456"

type fakeAPI struct {
	existing map[string]bool
	headErr  error
	heads    []string
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads = append(f.heads, *in.Key)
	if f.headErr != nil {
		return nil, f.headErr
	}
	if f.existing[*in.Key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "no such key"}
}

func (f *fakeAPI) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func testStore(f *fakeAPI) *Store {
	return &Store{
		client:   f,
		bucket:   "wadarchive2",
		endpoint: "https://nyc3.digitaloceanspaces.com",
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCanonicalKey(t *testing.T) {
	got := CanonicalKey(testSHA1, "wad")
	want := testSHA1[2:] + "/" + testSHA1 + ".wad.gz"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}

	plain := "a1" + testSHA1[2:]
	if got := CanonicalKey(plain, "pk3"); got != plain+"/"+plain+".pk3.gz" {
		t.Errorf("key = %q", got)
	}
}

func TestCandidatePrefixes(t *testing.T) {
	got := CandidatePrefixes(testSHA1, map[string]any{
		"md5":    "ff00112233445566778899aabbccddeeff001122",
		"sha256": "zznothex",
	})
	// sha1 prefix "00" dedupes with the fallback "00"; "zz" is rejected.
	want := []string{"00", "ff", "01", "02", "03"}
	if len(got) != len(want) {
		t.Fatalf("prefixes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefixes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveCanonicalFirst(t *testing.T) {
	canonical := CanonicalKey(testSHA1, "wad")
	f := &fakeAPI{existing: map[string]bool{canonical: true}}
	s := testStore(f)

	key, _, err := s.Resolve(context.Background(), testSHA1, "wad", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != canonical {
		t.Errorf("key = %q, want canonical", key)
	}
	if len(f.heads) != 1 {
		t.Errorf("heads = %v, want single canonical probe", f.heads)
	}
}

func TestResolveLegacyFallback(t *testing.T) {
	legacy := legacyKey(testSHA1, "02", "wad")
	f := &fakeAPI{existing: map[string]bool{legacy: true}}
	s := testStore(f)

	key, tried, err := s.Resolve(context.Background(), testSHA1, "wad", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != legacy {
		t.Errorf("key = %q, want %q", key, legacy)
	}
	if len(tried) == 0 {
		t.Error("tried prefixes must be reported")
	}
	// Probe must stop at the hit, not continue through the whole list.
	last := f.heads[len(f.heads)-1]
	if last != legacy {
		t.Errorf("probe did not short-circuit: last head = %q", last)
	}
}

func TestResolveNotFound(t *testing.T) {
	s := testStore(&fakeAPI{})
	_, tried, err := s.Resolve(context.Background(), testSHA1, "wad", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(tried) == 0 {
		t.Error("tried prefixes must be reported on failure")
	}
}

func TestResolvePropagatesHardErrors(t *testing.T) {
	f := &fakeAPI{headErr: &smithy.GenericAPIError{Code: "InternalError", Message: "boom"}}
	s := testStore(f)
	_, _, err := s.Resolve(context.Background(), testSHA1, "wad", nil)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want hard error", err)
	}
}

func TestGunzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "artifact.wad.gz")
	dst := filepath.Join(dir, "artifact.wad")

	payload := []byte("PWAD payload bytes")
	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	gz.Write(payload)
	gz.Close()
	f.Close()

	if err := Gunzip(src, dst); err != nil {
		t.Fatalf("Gunzip: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("decompressed = %q", got)
	}
}

func TestGunzipRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.gz")
	os.WriteFile(src, []byte("not gzip"), 0o644)
	if err := Gunzip(src, filepath.Join(dir, "out")); err == nil {
		t.Error("want error for non-gzip input")
	}
}

func TestImageKey(t *testing.T) {
	if got := ImageKey(testSHA1, "map01", false, 2); got != testSHA1+"/MAP01/images/2.webp" {
		t.Errorf("key = %q", got)
	}
	if got := ImageKey(testSHA1, "E1M1", true, 0); got != testSHA1+"/E1M1/pano/0.webp" {
		t.Errorf("key = %q", got)
	}
}

func TestPublicURL(t *testing.T) {
	s := testStore(&fakeAPI{})
	got := s.PublicURL("abc/def.webp")
	want := "https://wadarchive2.nyc3.digitaloceanspaces.com/abc/def.webp"
	if got != want {
		t.Errorf("url = %q, want %q", got, want)
	}
}
