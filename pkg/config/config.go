// Package config reads the process configuration from the environment once
// at startup. No other package reads environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the one configuration record for every binary. Per-binary
// flags may override individual knobs after FromEnv.
type Config struct {
	// Artifact and image object stores.
	WadBucket      string
	WadEndpoint    string
	ImagesBucket   string
	ImagesEndpoint string

	// Queue connection.
	NATSURL            string
	NATSUser           string
	NATSPassword       string
	NATSToken          string
	NATSName           string
	NATSFlushTimeout   time.Duration
	NATSPublishTimeout time.Duration

	// Streams and pull tuning.
	MetaStream         string
	ImagesStream       string
	MetaMaxAge         time.Duration
	MetaDedupeWindow   time.Duration
	MetaMaxBytes       int64
	MetaBatch          int
	MetaFetchTimeout   time.Duration
	MetaDurable        string
	MetaMaxDeliveries  int
	ImagesBatch        int
	ImagesFetchTimeout time.Duration
	ImagesDurable      string
	ImagesMaxAge       time.Duration
	ImagesDedupeWindow time.Duration

	// Renderer.
	RendererCommand         string
	ScreenshotWidth         int
	ScreenshotHeight        int
	ScreenshotCount         int
	Panorama                bool
	ScreenshotMaxDeliveries int
	RenderTimeout           time.Duration
	RenderScreenshots       bool
	UploadScreenshots       bool

	// Downstream catalog.
	WadinfoBaseURL string
	WadinfoTimeout time.Duration
	PostToWadinfo  bool

	// Cache sidecar. Empty host disables the cache.
	RedisHost     string
	RedisPort     int
	RedisUsername string
	RedisPassword string
	RedisTLS      bool

	// Metrics listener.
	MetricsEnabled bool
	MetricsAddr    string
	MetricsPort    int

	// Scratch and readiness.
	TmpPath   string
	ReadyFile string
}

// FromEnv builds the configuration with source-of-truth defaults.
func FromEnv() Config {
	return Config{
		WadBucket:      envStr("DORCH_WAD_BUCKET", "wadarchive2"),
		WadEndpoint:    envStr("DORCH_WAD_ENDPOINT", "https://nyc3.digitaloceanspaces.com"),
		ImagesBucket:   envStr("DORCH_IMAGES_BUCKET", ""),
		ImagesEndpoint: envStr("DORCH_IMAGES_ENDPOINT", "https://nyc3.digitaloceanspaces.com"),

		NATSURL:            envStr("NATS_URL", "nats://localhost:4222"),
		NATSUser:           envStr("NATS_USER", ""),
		NATSPassword:       envStr("NATS_PASSWORD", ""),
		NATSToken:          envStr("NATS_TOKEN", ""),
		NATSName:           envStr("NATS_NAME", "dorch-archiver"),
		NATSFlushTimeout:   envSeconds("DORCH_NATS_FLUSH_TIMEOUT", 3*time.Second),
		NATSPublishTimeout: envSeconds("DORCH_NATS_PUBLISH_TIMEOUT", 5*time.Second),

		MetaStream:        envStr("DORCH_META_STREAM", "DORCH_META"),
		ImagesStream:      envStr("DORCH_IMAGES_STREAM", "DORCH_IMAGES"),
		MetaMaxAge:        envSeconds("DORCH_META_MAX_AGE_SECONDS", 7*24*time.Hour),
		MetaDedupeWindow:  envSeconds("DORCH_META_DEDUPE_WINDOW_SECONDS", time.Hour),
		MetaMaxBytes:      envInt64("DORCH_META_MAX_BYTES", 0),
		MetaBatch:         envInt("DORCH_META_BATCH", 1),
		MetaFetchTimeout:  envSeconds("DORCH_META_FETCH_TIMEOUT", time.Second),
		MetaDurable:       envStr("DORCH_META_DURABLE", "meta-worker"),
		MetaMaxDeliveries: envInt("DORCH_META_MAX_DELIVERIES", 3),

		ImagesBatch:        envInt("DORCH_IMAGES_BATCH", 1),
		ImagesFetchTimeout: envSeconds("DORCH_IMAGES_FETCH_TIMEOUT", time.Second),
		ImagesDurable:      envStr("DORCH_IMAGES_DURABLE", "screenshot-worker"),
		ImagesMaxAge:       envSeconds("DORCH_IMAGES_MAX_AGE_SECONDS", 7*24*time.Hour),
		ImagesDedupeWindow: envSeconds("DORCH_IMAGES_DEDUPE_WINDOW_SECONDS", time.Hour),

		RendererCommand:         envStr("DORCH_RENDERER_CMD", "screenshot-renderer"),
		ScreenshotWidth:         envInt("DORCH_SCREENSHOT_WIDTH", 800),
		ScreenshotHeight:        envInt("DORCH_SCREENSHOT_HEIGHT", 600),
		ScreenshotCount:         envInt("DORCH_SCREENSHOT_COUNT", 3),
		Panorama:                envBool("DORCH_PANORAMA", false),
		ScreenshotMaxDeliveries: envInt("DORCH_SCREENSHOT_MAX_DELIVERIES", 3),
		RenderTimeout:           envSeconds("DORCH_SCREENSHOT_RENDER_TIMEOUT", 900*time.Second),
		RenderScreenshots:       envBool("DORCH_RENDER_SCREENSHOTS", false),
		UploadScreenshots:       envBool("DORCH_UPLOAD_SCREENSHOTS", false),

		WadinfoBaseURL: envStr("WADINFO_BASE_URL", "http://localhost:8000"),
		WadinfoTimeout: envSeconds("DORCH_WADINFO_TIMEOUT", 10*time.Second),
		PostToWadinfo:  envBool("DORCH_POST_TO_WADINFO", true),

		RedisHost:     envStr("REDIS_HOST", ""),
		RedisPort:     envInt("REDIS_PORT", 6379),
		RedisUsername: envStr("REDIS_USERNAME", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisTLS:      strings.EqualFold(envStr("REDIS_PROTO", "redis"), "rediss"),

		MetricsEnabled: envBool("DORCH_METRICS_ENABLED", true),
		MetricsAddr:    envStr("DORCH_METRICS_ADDR", ""),
		MetricsPort:    envInt("DORCH_METRICS_PORT", 2112),

		TmpPath:   envStr("DORCH_TMP_PATH", ""),
		ReadyFile: envStr("DORCH_READY_FILE", ""),
	}
}

func envStr(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(name string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// envSeconds reads a float number of seconds.
func envSeconds(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
