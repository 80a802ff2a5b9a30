// Package uploads moves media objects into backend storage through the
// presign flow: the API hands out a write-once storage URL and an object
// key, the bytes go directly to storage, and the returned download URL
// primes the signed-URL cache so the first preview needs no extra fetch.
package uploads

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pukkeconnect/mediakit/signedurl"
	"github.com/pukkeconnect/mediakit/telemetry"
)

const (
	// presignPath is the API endpoint handing out write destinations.
	presignPath = "/uploads/presign"

	// DefaultTransferTimeout bounds the direct-to-storage PUT.
	DefaultTransferTimeout = 5 * time.Minute
)

// PresignClient is the slice of the API client the uploader needs.
type PresignClient interface {
	PostJSON(ctx context.Context, path string, body, out any) error
}

// presignRequest is the wire shape of the presign call.
type presignRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Key         string `json:"key,omitempty"`
}

// presignResponse is the endpoint's wire shape.
type presignResponse struct {
	UploadURL         string `json:"uploadUrl"`
	Key               string `json:"key"`
	DownloadURL       string `json:"downloadUrl"`
	DownloadExpiresIn int64  `json:"downloadExpiresIn"`
}

// UploadInput describes one object to upload.
type UploadInput struct {
	FileName    string
	ContentType string
	Body        io.Reader

	// Size, when known, is sent to the presign endpoint and used as the
	// transfer Content-Length. Zero means unknown.
	Size int64
}

// UploadResult reports a completed upload.
type UploadResult struct {
	Key         string
	DownloadURL string

	// Checksum is the hex BLAKE3 digest of the uploaded bytes.
	Checksum string

	// Size is the number of bytes transferred.
	Size int64
}

// Uploader runs the presign upload flow.
type Uploader struct {
	client   PresignClient
	cache    *signedurl.Cache
	transfer *http.Client
	logger   *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger for the uploader.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithTransferClient overrides the HTTP client used for the direct
// storage transfer.
func WithTransferClient(hc *http.Client) Option {
	return func(u *Uploader) {
		u.transfer = hc
	}
}

// New creates an uploader. cache may be nil when no priming is wanted.
func New(client PresignClient, cache *signedurl.Cache, opts ...Option) *Uploader {
	u := &Uploader{
		client: client,
		cache:  cache,
		transfer: &http.Client{
			Timeout:   DefaultTransferTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "upload"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload stores a new object and primes the download cache with the URL
// the backend returned alongside the write destination.
func (u *Uploader) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	return u.upload(ctx, "", in)
}

// Replace re-uploads under an existing key. The cached download URL for
// the key is invalidated before the fresh one is installed, so no reader
// can observe a URL pointing at the replaced content.
func (u *Uploader) Replace(ctx context.Context, key string, in UploadInput) (*UploadResult, error) {
	if key == "" {
		return nil, fmt.Errorf("replace requires a key")
	}
	return u.upload(ctx, key, in)
}

func (u *Uploader) upload(ctx context.Context, key string, in UploadInput) (*UploadResult, error) {
	if in.FileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if in.Body == nil {
		return nil, fmt.Errorf("body is required")
	}

	var presigned presignResponse
	req := presignRequest{
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        in.Size,
		Key:         key,
	}
	if err := u.client.PostJSON(ctx, presignPath, req, &presigned); err != nil {
		return nil, err
	}
	if presigned.UploadURL == "" || presigned.Key == "" {
		return nil, fmt.Errorf("presign response missing upload destination")
	}

	hasher := blake3.New()
	counter := &countingReader{r: io.TeeReader(in.Body, hasher)}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, counter)
	if err != nil {
		return nil, fmt.Errorf("creating storage request: %w", err)
	}
	if in.ContentType != "" {
		hreq.Header.Set("Content-Type", in.ContentType)
	}
	if in.Size > 0 {
		hreq.ContentLength = in.Size
	}

	resp, err := u.transfer.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("storage upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("storage upload failed with status %d", resp.StatusCode)
	}

	var digest [32]byte
	hasher.Sum(digest[:0])
	checksum := hex.EncodeToString(digest[:])

	if u.cache != nil && presigned.DownloadURL != "" {
		if key != "" {
			u.cache.Invalidate(presigned.Key)
		}
		u.cache.Prime(presigned.Key, presigned.DownloadURL,
			time.Duration(presigned.DownloadExpiresIn)*time.Second)
	}

	u.logger.Info("uploaded object",
		"key", presigned.Key,
		"file", in.FileName,
		"checksum", checksum[:16],
	)

	return &UploadResult{
		Key:         presigned.Key,
		DownloadURL: presigned.DownloadURL,
		Checksum:    checksum,
		Size:        counter.n,
	}, nil
}

// countingReader tracks bytes read for the transfer result.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
