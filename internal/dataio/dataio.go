// Package dataio moves literal and output data between the engine and the
// places it lives: local files, HTTP(S) endpoints and S3 buckets.
package dataio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Location schemes.
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
)

// ParseLocation splits a location into scheme and remainder. A location
// without a scheme is a local path.
func ParseLocation(loc string) (scheme, rest string) {
	if i := strings.Index(loc, "://"); i > 0 {
		return strings.ToLower(loc[:i]), loc[i+3:]
	}
	return SchemeFile, loc
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config contains data transfer settings.
type Config struct {
	// HTTPTimeout is the per-request timeout. Default: 5m.
	HTTPTimeout time.Duration

	// MaxRetries is the number of HTTP attempts. Default: 1.
	MaxRetries int

	// RetryDelay is the initial delay between attempts. Default: 1s.
	RetryDelay time.Duration

	// Headers are added to every HTTP request.
	Headers map[string]string

	// MaxBytes bounds the size of fetched content. Zero means unbounded.
	MaxBytes int64

	// NoLocalFiles rejects file locations in both directions.
	NoLocalFiles bool
}

// Option configures a Store.
type Option func(*Store)

// WithS3Client sets the client used for s3:// locations.
func WithS3Client(c S3API) Option {
	return func(s *Store) { s.s3 = c }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// Store fetches and pushes data by location.
type Store struct {
	config Config
	client *http.Client
	s3     S3API
	logger *slog.Logger
}

// New creates a Store. Without WithS3Client, s3:// locations are rejected.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	s := &Store{
		config: cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With("component", "dataio"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// Fetch returns the content at location.
func (s *Store) Fetch(ctx context.Context, location string) ([]byte, error) {
	scheme, rest := ParseLocation(location)
	if err := s.allowed(scheme); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	var (
		b   []byte
		err error
	)
	switch scheme {
	case SchemeFile:
		b, err = s.readFile(rest)
	case SchemeHTTP, SchemeHTTPS:
		b, err = s.fetchHTTP(ctx, location)
	case SchemeS3:
		b, err = s.fetchS3(ctx, rest)
	default:
		return nil, fmt.Errorf("fetch %s: unsupported scheme %q", location, scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}
	s.logger.Debug("fetched", "location", location, "bytes", len(b))
	return b, nil
}

// Push writes data to location, creating parent directories for files.
func (s *Store) Push(ctx context.Context, location string, data []byte) error {
	scheme, rest := ParseLocation(location)
	if err := s.allowed(scheme); err != nil {
		return fmt.Errorf("push %s: %w", location, err)
	}
	var err error
	switch scheme {
	case SchemeFile:
		err = writeFile(rest, data)
	case SchemeHTTP, SchemeHTTPS:
		err = s.retry(ctx, func() error { return s.put(ctx, location, data) })
	case SchemeS3:
		err = s.pushS3(ctx, rest, data)
	default:
		return fmt.Errorf("push %s: unsupported scheme %q", location, scheme)
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", location, err)
	}
	s.logger.Debug("pushed", "location", location, "bytes", len(data))
	return nil
}

func (s *Store) allowed(scheme string) error {
	if scheme == SchemeFile && s.config.NoLocalFiles {
		return errors.New("local files are disabled")
	}
	return nil
}

func (s *Store) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.readAll(f)
}

func (s *Store) readAll(r io.Reader) ([]byte, error) {
	if s.config.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, s.config.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > s.config.MaxBytes {
		return nil, fmt.Errorf("content exceeds %d bytes", s.config.MaxBytes)
	}
	return b, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// httpError is a non-2xx response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func isClientError(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}

// retry runs fn up to MaxRetries times with exponential backoff. Client
// errors are not retried.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = fn()
		if lastErr == nil || isClientError(lastErr) {
			return lastErr
		}
	}
	if s.config.MaxRetries > 1 {
		return fmt.Errorf("failed after %d attempts: %w", s.config.MaxRetries, lastErr)
	}
	return lastErr
}

func (s *Store) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := s.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		s.applyHeaders(req)
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &httpError{StatusCode: resp.StatusCode, Body: string(b)}
		}
		body, err = s.readAll(resp.Body)
		return err
	})
	return body, err
}

func (s *Store) put(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

func (s *Store) applyHeaders(req *http.Request) {
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}
}

// splitS3 splits "bucket/key/parts" into bucket and key.
func splitS3(rest string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 location %q (want s3://bucket/key)", "s3://"+rest)
	}
	return bucket, key, nil
}

func (s *Store) fetchS3(ctx context.Context, rest string) ([]byte, error) {
	if s.s3 == nil {
		return nil, errors.New("no S3 client configured")
	}
	bucket, key, err := splitS3(rest)
	if err != nil {
		return nil, err
	}
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return s.readAll(out.Body)
}

func (s *Store) pushS3(ctx context.Context, rest string, data []byte) error {
	if s.s3 == nil {
		return errors.New("no S3 client configured")
	}
	bucket, key, err := splitS3(rest)
	if err != nil {
		return err
	}
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}
