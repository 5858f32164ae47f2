// Package gcs implements [blob.Store] on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/MrWong99/playcoach/pkg/blob"
)

var _ blob.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*config)

type config struct {
	clientOpts []option.ClientOption
}

// WithCredentialsFile authenticates with a service account key file instead of
// Application Default Credentials.
func WithCredentialsFile(path string) Option {
	return func(c *config) {
		if path != "" {
			c.clientOpts = append(c.clientOpts, option.WithCredentialsFile(path))
		}
	}
}

// WithClientOptions passes raw client options to storage.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *config) { c.clientOpts = append(c.clientOpts, opts...) }
}

// Store reads and writes objects in one bucket.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New creates a Store for bucket.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("gcs: bucket must not be empty")
	}
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	client, err := storage.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &Store{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Get implements [blob.Store].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	clean, err := blob.CleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(clean).NewReader(ctx)
	if err != nil {
		return nil, mapErr("get "+clean, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: read gs://%s/%s: %w", s.name, clean, err)
	}
	return data, nil
}

// Put implements [blob.Store].
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	clean, err := blob.CleanKey(key)
	if err != nil {
		return err
	}
	w := s.bucket.Object(clean).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs: write gs://%s/%s: %w", s.name, clean, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: write gs://%s/%s: %w", s.name, clean, err)
	}
	return nil
}

// Ping implements [blob.Store] by reading the bucket attributes.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return mapErr("bucket "+s.name, err)
	}
	return nil
}

func mapErr(what string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %s", blob.ErrNotFound, what)
	}
	return fmt.Errorf("gcs: %s: %w", what, err)
}
