package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

const (
	apiBase     = "https://storage.googleapis.com"
	httpTimeout = 10 * time.Second
	pingTimeout = 5 * time.Second
	// errorBodyLimit caps how much of a failed response ends up in the error.
	errorBodyLimit = 2048
)

// ObjectStore keeps certificate metadata documents. Put returns a stable
// reference (gs://bucket/path) that Get accepts.
type ObjectStore interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

var ErrObjectNotFound = errors.New("gcs object not found")

// Client talks to the Cloud Storage JSON API for a single bucket.
type Client struct {
	http    *http.Client
	bucket  string
	tokens  *tokenSource
	baseURL string
}

var _ ObjectStore = (*Client)(nil)

// NewClient authenticates with inline credentials, a credentials file, or the
// metadata server, in that order, and checks the bucket is readable.
func NewClient(ctx context.Context, cfg config.GCSConfig, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	httpClient := &http.Client{Timeout: httpTimeout}

	tokens, err := tokensFor(httpClient, gcp)
	if err != nil {
		return nil, err
	}
	client := &Client{http: httpClient, bucket: cfg.BucketName, tokens: tokens, baseURL: apiBase}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("gcs health check failed: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "bucket", cfg.BucketName), "gcs client initialized")
	}
	return client, nil
}

func tokensFor(httpClient *http.Client, gcp config.GCPConfig) (*tokenSource, error) {
	switch {
	case gcp.CredentialsJSON != "":
		return serviceAccountTokens(httpClient, []byte(gcp.CredentialsJSON))
	case gcp.ApplicationCredentials != "":
		raw, err := os.ReadFile(gcp.ApplicationCredentials)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		return serviceAccountTokens(httpClient, raw)
	default:
		return metadataTokens(httpClient), nil
	}
}

// Ping lists at most one object, which needs the same read access as Get.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokens == nil {
		return errors.New("gcs client not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/storage/v1/b/%s/o?maxResults=1", c.baseURL, url.PathEscape(c.bucket))
	resp, err := c.do(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("bucket check", c.bucket, resp)
	}
	return nil
}

// Put writes data at path in the client's bucket, replacing any previous
// object there.
func (c *Client) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s",
		c.baseURL, url.PathEscape(c.bucket), url.QueryEscape(path))
	resp, err := c.do(ctx, http.MethodPost, endpoint, contentType, data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("upload", path, resp)
	}
	return ObjectRef(c.bucket, path), nil
}

func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, path, err := ParseObjectRef(ref)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", c.baseURL, url.PathEscape(bucket), url.PathEscape(path))
	resp, err := c.do(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrObjectNotFound
	default:
		return nil, statusError("download", ref, resp)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs token: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

func statusError(op, subject string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if msg := strings.TrimSpace(string(detail)); msg != "" {
		return fmt.Errorf("gcs %s of %q failed: %s: %s", op, subject, resp.Status, msg)
	}
	return fmt.Errorf("gcs %s of %q failed: %s", op, subject, resp.Status)
}

func ObjectRef(bucket, path string) string {
	return "gs://" + bucket + "/" + strings.TrimPrefix(path, "/")
}

func ParseObjectRef(ref string) (bucket, path string, err error) {
	rest, ok := strings.CutPrefix(ref, "gs://")
	if ok {
		bucket, path, ok = strings.Cut(rest, "/")
	}
	if !ok || bucket == "" || path == "" {
		return "", "", fmt.Errorf("invalid object ref %q", ref)
	}
	return bucket, path, nil
}
