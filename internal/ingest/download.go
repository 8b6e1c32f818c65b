package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDownloadTimeout is the default timeout for image downloads
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultMaxImageSize is the default maximum image size (10MB)
	DefaultMaxImageSize = 10 * 1024 * 1024
)

// Downloader fetches uploaded images over HTTP with a timeout and size limit.
type Downloader struct {
	client  *resty.Client
	maxSize int64
}

// NewDownloader creates a Downloader with default settings.
func NewDownloader() *Downloader {
	return &Downloader{
		client:  resty.New().SetTimeout(DefaultDownloadTimeout),
		maxSize: DefaultMaxImageSize,
	}
}

// WithTimeout sets a custom timeout for downloads.
func (d *Downloader) WithTimeout(timeout time.Duration) *Downloader {
	d.client.SetTimeout(timeout)
	return d
}

// WithMaxSize sets a custom maximum file size.
func (d *Downloader) WithMaxSize(maxSize int64) *Downloader {
	if maxSize > 0 {
		d.maxSize = maxSize
	}
	return d
}

// Download fetches an image from url. All failures wrap ErrFileRead.
func (d *Downloader) Download(ctx context.Context, url string) (Image, error) {
	res, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return Image{}, fmt.Errorf("%w: failed to download image: %v", ErrFileRead, err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.IsError() {
		return Image{}, fmt.Errorf("%w: download failed: status %d", ErrFileRead, res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if res.RawResponse != nil && res.RawResponse.ContentLength > d.maxSize {
		return Image{}, fmt.Errorf("%w: image too large: %d bytes exceeds limit of %d bytes",
			ErrFileRead, res.RawResponse.ContentLength, d.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(body, d.maxSize+1))
	if err != nil {
		return Image{}, fmt.Errorf("%w: failed to read image data: %v", ErrFileRead, err)
	}
	if int64(len(data)) > d.maxSize {
		return Image{}, fmt.Errorf("%w: image too large: exceeds limit of %d bytes", ErrFileRead, d.maxSize)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty download", ErrFileRead)
	}

	mimeType := DetectMIMEType(data, url)
	if strings.HasPrefix(contentType, "image/") {
		mimeType, _, _ = strings.Cut(contentType, ";")
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}

// DownloadTelegramFile resolves a Telegram file ID to a direct URL and downloads it.
func (d *Downloader) DownloadTelegramFile(
	ctx context.Context,
	getFileDirectURL func(fileID string) (string, error),
	fileID string,
) (Image, error) {
	log.Info().Str("fileID", fileID).Msg("downloading telegram file")

	url, err := getFileDirectURL(fileID)
	if err != nil {
		return Image{}, fmt.Errorf("%w: failed to get file URL: %v", ErrFileRead, err)
	}
	return d.Download(ctx, url)
}
