// Package storage uploads attachments to object storage and returns their
// public URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects the bucket and size limit for an upload.
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindAvatar   Kind = "avatar"
)

const mb = 1 << 20

// Limits are the largest accepted upload per kind, in bytes.
var Limits = map[Kind]int64{
	KindImage:    8 * mb,
	KindAudio:    10 * mb,
	KindDocument: 20 * mb,
	KindAvatar:   2 * mb,
}

var buckets = map[Kind]string{
	KindImage:    "chat-images",
	KindAudio:    "chat-audio",
	KindDocument: "chat-files",
	KindAvatar:   "avatars",
}

var (
	// ErrTooLarge is returned before any upload is attempted.
	ErrTooLarge = errors.New("attachment too large")
	// ErrUnknownKind is returned for a kind with no bucket.
	ErrUnknownKind = errors.New("unknown attachment kind")
)

// Object is a file to upload.
type Object struct {
	Name        string
	Kind        Kind
	ContentType string
	Size        int64
	Body        io.Reader
}

// Uploader stores an object and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, obj Object) (string, error)
}

// Check validates the object's kind and size.
func Check(obj Object) error {
	limit, ok := Limits[obj.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, obj.Kind)
	}
	if obj.Size > limit {
		return fmt.Errorf("%w: %s is %.1f MB, max %d MB", ErrTooLarge, obj.Name, float64(obj.Size)/mb, limit/mb)
	}
	return nil
}

// HTTPUploader PUTs objects to a bucket-per-kind HTTP object store. Objects
// are readable at the same URL they were written to.
type HTTPUploader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPUploader creates an uploader for the store at baseURL.
func NewHTTPUploader(baseURL, token string) *HTTPUploader {
	return &HTTPUploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload checks obj and writes it under a unique name.
func (u *HTTPUploader) Upload(ctx context.Context, obj Object) (string, error) {
	if err := Check(obj); err != nil {
		return "", err
	}

	name := uuid.NewString() + "-" + path.Base(obj.Name)
	target := u.baseURL + "/" + buckets[obj.Kind] + "/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, obj.Body)
	if err != nil {
		return "", fmt.Errorf("storage: build request: %w", err)
	}
	req.ContentLength = obj.Size
	if obj.ContentType != "" {
		req.Header.Set("Content-Type", obj.ContentType)
	}
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", obj.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("storage: upload %s: status %d", obj.Name, resp.StatusCode)
	}
	return target, nil
}
