// Package registry is a minimal distribution-spec client for pulling
// manifests and blobs. Authentication goes through an auth.Session; transient
// transport failures retry under an injected RetryPolicy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"

	"github.com/aweris/ocitool/internal/auth"
	"github.com/aweris/ocitool/internal/log"
	"github.com/aweris/ocitool/internal/ocispec"
)

var (
	// ErrReferenceNotFound marks a missing manifest or blob. Not retried:
	// the content is absent, not unreachable.
	ErrReferenceNotFound = errors.New("registry: reference not found")

	// ErrFetchFailed marks a transient transport failure that survived the
	// full retry budget.
	ErrFetchFailed = errors.New("registry: fetch failed")
)

// maxManifestSize caps manifest documents; anything larger is not a manifest.
const maxManifestSize = 4 << 20

// defaultRequestTimeout bounds a single registry request including its body.
const defaultRequestTimeout = 10 * time.Minute

// Client pulls manifests and blobs for one repository.
type Client struct {
	base       string // e.g. "https://registry-1.docker.io/v2/library/ubuntu"
	repository string // e.g. "library/ubuntu"
	session    *auth.Session
	client     *http.Client
	retry      RetryPolicy
	timeout    time.Duration
}

// NewClient builds a client for the given repository. The session handles the
// token dance; httpClient may be nil.
func NewClient(repo name.Repository, session *auth.Session, httpClient *http.Client, retry RetryPolicy) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Client{
		base:       fmt.Sprintf("%s://%s/v2/%s", repo.Registry.Scheme(), repo.RegistryStr(), repo.RepositoryStr()),
		repository: repo.RepositoryStr(),
		session:    session,
		client:     httpClient,
		retry:      retry,
		timeout:    defaultRequestTimeout,
	}
}

// SetRequestTimeout overrides the per-request timeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// FetchManifest fetches the manifest at a tag or digest reference and returns
// the raw bytes, the digest computed over them, and the content type.
func (c *Client) FetchManifest(ctx context.Context, reference string) ([]byte, digest.Digest, string, error) {
	done := log.Operation(ctx, "fetch manifest",
		slog.String("repository", c.repository), slog.String("reference", reference))

	resp, err := c.do(ctx, c.base+"/manifests/"+reference, ocispec.AcceptHeader)
	if err != nil {
		done(err)
		return nil, "", "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		done(err)
		return nil, "", "", fmt.Errorf("%w: read manifest %s: %v", ErrFetchFailed, reference, err)
	}
	if len(data) > maxManifestSize {
		err := fmt.Errorf("%w: manifest %s exceeds %d bytes", ocispec.ErrMalformedManifest, reference, maxManifestSize)
		done(err)
		return nil, "", "", err
	}

	done(nil)
	return data, digest.FromBytes(data), resp.Header.Get("Content-Type"), nil
}

// FetchBlob opens a streaming read of the blob with the given digest. The
// returned length is the declared Content-Length, or -1 when unknown. The
// caller owns the ReadCloser.
func (c *Client) FetchBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, c.base+"/blobs/"+dgst.String(), "")
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// do performs a GET with bounded retries. 401 refreshes the token once for
// the request; 404 and other client errors are permanent; 5xx and transport
// errors consume the retry budget.
func (c *Client) do(ctx context.Context, url, accept string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.retry.wait(ctx, attempt-1); err != nil {
				return nil, err
			}
			log.From(ctx).Debug("retrying registry request",
				slog.String("url", url), slog.Int("attempt", attempt+1))
		}

		resp, retryable, err := c.attempt(ctx, url, accept)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, lastErr)
}

// attempt performs one request, refreshing the bearer token once on 401.
func (c *Client) attempt(ctx context.Context, url, accept string) (resp *http.Response, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	// cancel is handed to the response body; it must outlive this call for
	// streaming reads.
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	refreshed := false
	for {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, false, fmt.Errorf("build request: %w", reqErr)
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if err := c.authorize(ctx, req); err != nil {
			return nil, false, err
		}

		r, doErr := c.client.Do(req)
		if doErr != nil {
			// Connection-level and timeout failures are transient.
			return nil, true, doErr
		}

		switch {
		case r.StatusCode >= 200 && r.StatusCode < 300:
			r.Body = &cancelReadCloser{ReadCloser: r.Body, cancel: cancel}
			return r, false, nil

		case r.StatusCode == http.StatusUnauthorized:
			challenge := r.Header.Get("Www-Authenticate")
			drain(r)
			if refreshed {
				return nil, false, fmt.Errorf("%w: %s still unauthorized after token refresh", auth.ErrAuthenticationFailed, url)
			}
			if err := c.refresh(ctx, challenge); err != nil {
				return nil, false, err
			}
			refreshed = true

		case r.StatusCode == http.StatusNotFound:
			drain(r)
			return nil, false, fmt.Errorf("%w: %s", ErrReferenceNotFound, url)

		case r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests:
			status := r.Status
			drain(r)
			return nil, true, fmt.Errorf("registry returned %s", status)

		default:
			status := r.Status
			drain(r)
			return nil, false, fmt.Errorf("registry returned %s for %s", status, url)
		}
	}
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if !c.session.Challenged() {
		return nil
	}
	token, err := c.session.EnsureValid(ctx, auth.PullScope(c.repository))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	return nil
}

func (c *Client) refresh(ctx context.Context, header string) error {
	challenge, err := auth.ParseChallenge(header)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrAuthenticationFailed, err)
	}
	c.session.SetChallenge(challenge)
	c.session.Invalidate(auth.PullScope(c.repository))
	_, err = c.session.EnsureValid(ctx, auth.PullScope(c.repository))
	return err
}

func drain(r *http.Response) {
	io.Copy(io.Discard, io.LimitReader(r.Body, 32<<10))
	r.Body.Close()
}

// cancelReadCloser releases the request's timeout context when the body is
// closed, so streaming reads stay bounded without leaking contexts.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
