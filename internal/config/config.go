package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/joho/godotenv"
)

type Config struct {
	AccessKey      string
	SecretKey      string
	AccessKeyParam string
	SecretKeyParam string
	BaseURL        string

	APITimeout      time.Duration
	DownloadTimeout time.Duration
	RateLimit       float64

	Bucket       string
	Distribution string
	SiteURL      string
	LogLevel     string
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load(".env", ".env.local")

	return Config{
		AccessKey:       os.Getenv("LIBLIB_ACCESS_KEY"),
		SecretKey:       os.Getenv("LIBLIB_SECRET_KEY"),
		AccessKeyParam:  os.Getenv("LIBLIB_ACCESS_KEY_PARAM"),
		SecretKeyParam:  os.Getenv("LIBLIB_SECRET_KEY_PARAM"),
		BaseURL:         getenv("LIBLIB_BASE_URL", liblib.DefaultBaseURL),
		APITimeout:      getduration("LIBLIB_API_TIMEOUT", liblib.DefaultAPITimeout),
		DownloadTimeout: getduration("LIBLIB_DOWNLOAD_TIMEOUT", liblib.DefaultDownloadTimeout),
		RateLimit:       getfloat("LIBLIB_RATE_LIMIT", 0),
		Bucket:          os.Getenv("BUCKET"),
		Distribution:    os.Getenv("DISTRIBUTION"),
		SiteURL:         strings.TrimRight(os.Getenv("SITE_URL"), "/"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}
}

// ClientOptions maps the timeouts and rate limit onto liblib.Options.
func (c Config) ClientOptions() liblib.Options {
	return liblib.Options{
		APITimeout:      c.APITimeout,
		DownloadTimeout: c.DownloadTimeout,
		RateLimit:       c.RateLimit,
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// getduration accepts Go durations ("45s") or a bare number of seconds.
func getduration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func getfloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}
