package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const defaultSignedURLTTL = 15 * time.Minute

// maxSignedURLTTL is the V4 signing limit.
const maxSignedURLTTL = 7 * 24 * time.Hour

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errNoSigner      = errors.New("storage: signer is required")
)

// URLSigner produces V4 GET URLs for objects in one bucket.
type URLSigner struct {
	bucket string
	signer Signer
	ttl    time.Duration
	now    func() time.Time
}

// URLSignerOption customises a URLSigner.
type URLSignerOption func(*URLSigner)

// WithTTL sets how long signed URLs stay valid.
func WithTTL(ttl time.Duration) URLSignerOption {
	return func(s *URLSigner) {
		if ttl > 0 {
			s.ttl = min(ttl, maxSignedURLTTL)
		}
	}
}

// WithClock injects the clock used for expiry.
func WithClock(clock func() time.Time) URLSignerOption {
	return func(s *URLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewURLSigner validates the bucket and signer.
func NewURLSigner(bucket string, signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	s := &URLSigner{bucket: bucket, signer: signer, ttl: defaultSignedURLTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SignedURL returns a download URL for object that forces an attachment download.
func (s *URLSigner) SignedURL(ctx context.Context, object string) (string, time.Time, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", time.Time{}, errInvalidObject
	}
	expires := s.now().Add(s.ttl)
	filename := object[strings.LastIndex(object, "/")+1:]
	signed, err := gcs.SignedURL(s.bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Scheme:         gcs.SigningSchemeV4,
		Method:         "GET",
		Expires:        expires,
		QueryParameters: url.Values{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", filename)},
		},
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return signed, expires, nil
}

// ExportStore writes rendered summary exports to Cloud Storage and signs links to them.
type ExportStore struct {
	client *gcs.Client
	urls   *URLSigner
}

// NewExportStore binds a storage client to the signer's bucket.
func NewExportStore(client *gcs.Client, urls *URLSigner) (*ExportStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	if urls == nil {
		return nil, errNoSigner
	}
	return &ExportStore{client: client, urls: urls}, nil
}

// Put uploads data as object. Exports are private and never cached by intermediaries.
func (s *ExportStore) Put(ctx context.Context, object, contentType string, data []byte) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return errInvalidObject
	}
	w := s.client.Bucket(s.urls.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0, no-store"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalise %s: %w", object, err)
	}
	return nil
}

// SignedURL signs a download link for a previously stored export.
func (s *ExportStore) SignedURL(ctx context.Context, object string) (string, time.Time, error) {
	return s.urls.SignedURL(ctx, object)
}
