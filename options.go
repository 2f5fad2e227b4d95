package ocitool

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/ocitool/internal/auth"
	"github.com/aweris/ocitool/internal/progress"
	"github.com/aweris/ocitool/internal/registry"
)

// Credentials for a registry host. The zero value means anonymous.
type Credentials = auth.Credentials

// CredentialProvider supplies registry credentials by host.
type CredentialProvider = auth.CredentialProvider

// StaticCredentials is a fixed host-to-credentials mapping.
type StaticCredentials = auth.Static

// Reporter consumes progress events from the ingestion pipeline.
type Reporter = progress.Reporter

// Event is one progress notification.
type Event = progress.Event

// ProgressFunc adapts a function to the Reporter interface.
type ProgressFunc = progress.Func

// RetryPolicy bounds retries of transient registry failures.
type RetryPolicy = registry.RetryPolicy

// Options configures an Engine.
type Options struct {
	CacheDir       string
	Platform       string // "os/arch[/variant]", empty for the host platform
	Concurrency    int    // max simultaneous blob transfers, 0 for default
	Credentials    CredentialProvider
	HTTPClient     *http.Client
	Progress       Reporter
	Retry          RetryPolicy
	RequestTimeout time.Duration
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheDir:    defaultCacheDir(),
		Credentials: auth.Keychain{},
		Retry:       registry.DefaultRetryPolicy,
	}
}

// WithCacheDir sets the local store directory.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithPlatform sets the target platform, e.g. "linux/arm64".
func WithPlatform(platform string) Option {
	return func(o *Options) { o.Platform = platform }
}

// WithConcurrency bounds the number of simultaneous blob transfers.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithCredentials sets custom registry credentials.
func WithCredentials(creds CredentialProvider) Option {
	return func(o *Options) { o.Credentials = creds }
}

// WithHTTPClient sets the HTTP client used for registry requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// WithProgress subscribes a reporter to ingestion progress events.
func WithProgress(reporter Reporter) Option {
	return func(o *Options) { o.Progress = reporter }
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Options) { o.Retry = policy }
}

// WithRequestTimeout bounds each registry request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

func defaultCacheDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "ocitool")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "ocitool")
	}
	return ".ocitool"
}
