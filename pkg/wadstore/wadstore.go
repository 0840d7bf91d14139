// Package wadstore resolves and fetches compressed game-file artifacts
// from an S3-compatible object store, and uploads rendered map images to a
// public prefix.
package wadstore

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when no storage key could be resolved for a hash.
var ErrNotFound = errors.New("no object found for hash")

// api is the slice of the S3 client the store uses.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is an object-store client bound to one bucket.
type Store struct {
	client   api
	bucket   string
	endpoint string
	log      *slog.Logger
}

// New builds a Store against an S3-compatible endpoint. Credentials come
// from the standard AWS environment.
func New(ctx context.Context, bucket, endpoint string, log *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Store{client: client, bucket: bucket, endpoint: endpoint, log: log}, nil
}

// CanonicalKey is the current storage layout: the directory is the hash
// with a leading "00" stripped, the filename the full hash.
func CanonicalKey(sha1, ext string) string {
	dir := strings.TrimPrefix(sha1, "00")
	return fmt.Sprintf("%s/%s.%s.gz", dir, sha1, ext)
}

// legacyKey is the historical layout probed for archival compatibility.
func legacyKey(sha1, prefix, ext string) string {
	return fmt.Sprintf("%s/%s%s.%s.gz", sha1, prefix, sha1, ext)
}

var hexPrefixRE = regexp.MustCompile(`^[0-9a-f]{2}$`)

// CandidatePrefixes builds the bounded legacy probe list: the first two
// hex characters of each known hash plus a fixed fallback set, deduped in
// order.
func CandidatePrefixes(sha1 string, hashes map[string]any) []string {
	md5, _ := hashes["md5"].(string)
	sha256, _ := hashes["sha256"].(string)

	var cands []string
	for _, h := range []string{sha1, md5, sha256} {
		h = strings.ToLower(strings.TrimSpace(h))
		if len(h) >= 2 {
			cands = append(cands, h[:2])
		}
	}
	cands = append(cands, "00", "01", "02", "03", "ff")

	seen := make(map[string]bool)
	var out []string
	for _, p := range cands {
		if !hexPrefixRE.MatchString(p) || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Resolve finds the storage key for a hash. The canonical key is tried
// first; on miss the legacy prefixes are probed with HEAD requests,
// short-circuiting on the first hit. 404/403 mean "keep looking"; any
// other error propagates. The probed prefixes are returned for
// diagnostics either way.
func (s *Store) Resolve(ctx context.Context, sha1, ext string, hashes map[string]any) (string, []string, error) {
	prefixes := CandidatePrefixes(sha1, hashes)

	key := CanonicalKey(sha1, ext)
	ok, err := s.head(ctx, key)
	if err != nil {
		return "", prefixes, err
	}
	if ok {
		return key, prefixes, nil
	}

	for _, p := range prefixes {
		key := legacyKey(sha1, p, ext)
		ok, err := s.head(ctx, key)
		if err != nil {
			return "", prefixes, err
		}
		if ok {
			s.log.Info("resolved via legacy prefix", "sha1", sha1, "prefix", p)
			return key, prefixes, nil
		}
	}
	return "", prefixes, fmt.Errorf("%w: %s.%s", ErrNotFound, sha1, ext)
}

func (s *Store) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "Forbidden", "AccessDenied":
			return false, nil
		}
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

// Download streams the object at key into dstPath.
func (s *Store) Download(ctx context.Context, key, dstPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

// Gunzip stream-decompresses srcPath into dstPath.
func Gunzip(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("open gzip %s: %w", srcPath, err)
	}
	defer gz.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, gz); err != nil {
		return fmt.Errorf("decompress %s: %w", srcPath, err)
	}
	return dst.Close()
}

// ImageKey lays out rendered images: {hash}/{map}/(images|pano)/{n}.webp.
func ImageKey(sha1, mapName string, pano bool, n int) string {
	kind := "images"
	if pano {
		kind = "pano"
	}
	return fmt.Sprintf("%s/%s/%s/%d.webp", sha1, strings.ToUpper(mapName), kind, n)
}

// UploadPublic uploads a local file under key with a public-read ACL.
func (s *Store) UploadPublic(ctx context.Context, key, srcPath, contentType string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PublicURL is the virtual-hosted read URL for a key.
func (s *Store) PublicURL(key string) string {
	host := s.endpoint
	if u, err := url.Parse(s.endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("https://%s.%s/%s", s.bucket, host, key)
}
