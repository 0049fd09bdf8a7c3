// Package media downloads inbound media from provider hosts, either directly
// or through a metadata document that points at a signed URL.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gabriel-vasile/mimetype"

	"wapipe/internal/domain"
	"wapipe/internal/providers"
)

const (
	HopMetadata = "metadata"
	HopBinary   = "binary"
)

// FetchError is a failed download hop. The message owning the media is
// dropped, not retried.
type FetchError struct {
	Hop    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("media %s hop failed (status %d): %v", e.Hop, e.Status, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type File struct {
	Body     []byte
	MimeType string
	Filename string
}

type Fetcher struct {
	Client     *http.Client
	Timeout    time.Duration
	MaxRetries int
}

func NewFetcher(timeout time.Duration, maxRetries int) *Fetcher {
	return &Fetcher{Client: &http.Client{}, Timeout: timeout, MaxRetries: maxRetries}
}

func (f *Fetcher) get(ctx context.Context, hop, url string, h http.Header) ([]byte, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	status, body, err := providers.DoIdempotent(ctx, f.Client, providers.Request{Method: http.MethodGet, URL: url, Header: h}, f.MaxRetries)
	if err != nil {
		return nil, &FetchError{Hop: hop, Status: status, Err: err}
	}
	return body, nil
}

// Fetch downloads ref. Direct references take one hop; indirect ones first
// read the metadata document for the signed URL.
func (f *Fetcher) Fetch(ctx context.Context, a providers.Adapter, ref domain.MediaRef, cfg domain.ChannelConfig) (File, error) {
	h := a.MediaHeader(cfg)
	url := ref.URL
	mime := ref.MimeType

	if !ref.Direct() {
		metaURL := a.MediaMetadataURL(ref, cfg)
		if ref.ID == "" || metaURL == "" {
			return File{}, &FetchError{Hop: HopMetadata, Err: domain.ErrMissingFields}
		}
		doc, err := f.get(ctx, HopMetadata, metaURL, h)
		if err != nil {
			return File{}, err
		}
		signed, err := jsonparser.GetString(doc, "url")
		if err != nil || signed == "" {
			return File{}, &FetchError{Hop: HopMetadata, Status: http.StatusOK, Err: errors.New("metadata without url")}
		}
		if m, err := jsonparser.GetString(doc, "mime_type"); err == nil && m != "" {
			mime = m
		}
		url = stripQuery(signed)
	}

	body, err := f.get(ctx, HopBinary, url, h)
	if err != nil {
		return File{}, err
	}

	detected := mimetype.Detect(body)
	if mime == "" || mime == "application/octet-stream" {
		mime = detected.String()
	}
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	name := ref.Filename
	if name == "" {
		name = "media" + extension(mime, detected)
	}
	return File{Body: body, MimeType: mime, Filename: name}, nil
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func extension(mime string, detected *mimetype.MIME) string {
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return detected.Extension()
}
