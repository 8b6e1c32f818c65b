package ingest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileRead marks any failure to obtain the raw bytes of an uploaded image.
// It is kept separate from analysis errors so the user sees a read-specific message.
var ErrFileRead = errors.New("error reading file")

// DefaultMIMEType is used when an upload cannot be identified as an image.
const DefaultMIMEType = "image/png"

// Image is an uploaded chart image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Base64 returns the image bytes as standard base64 without any data URL prefix.
func (img Image) Base64() string {
	return EncodeBase64(img.Data)
}

// DataURL returns the image as a data URL (data:<mime>;base64,<data>).
func (img Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", img.mimeType(), img.Base64())
}

func (img Image) mimeType() string {
	if img.MIMEType == "" {
		return DefaultMIMEType
	}
	return img.MIMEType
}

// EncodeBase64 encodes raw bytes as standard base64.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// StripDataURLPrefix removes a "data:...," prefix if present.
func StripDataURLPrefix(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// dataURLMIMEType extracts the media type of a data URL ("" if none).
func dataURLMIMEType(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return ""
	}
	header, _, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return ""
	}
	mediaType, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// DecodeBase64 decodes a base64 payload, with or without a data URL prefix.
// Whitespace and missing padding are tolerated.
func DecodeBase64(s string) (Image, error) {
	mimeType := dataURLMIMEType(s)
	payload := StripDataURLPrefix(s)
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return Image{}, fmt.Errorf("%w: empty image payload", ErrFileRead)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return Image{}, fmt.Errorf("%w: invalid base64: %v", ErrFileRead, err)
		}
	}

	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = DetectMIMEType(data, "")
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}

// ReadFile reads an image from disk.
func ReadFile(path string) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: %s is empty", ErrFileRead, path)
	}
	return Image{Data: data, MIMEType: DetectMIMEType(data, path)}, nil
}

// FromReader reads at most maxSize bytes from r. A maxSize of 0 disables the limit.
func FromReader(r io.Reader, filename string, maxSize int64) (Image, error) {
	if maxSize > 0 {
		r = io.LimitReader(r, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return Image{}, fmt.Errorf("%w: image too large: exceeds limit of %d bytes", ErrFileRead, maxSize)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty upload", ErrFileRead)
	}
	return Image{Data: data, MIMEType: DetectMIMEType(data, filename)}, nil
}

// DetectMIMEType sniffs the content type of data, falling back to the file
// extension and finally to DefaultMIMEType. Uploads are never rejected here.
func DetectMIMEType(data []byte, filename string) string {
	if len(data) > 0 {
		if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return DefaultMIMEType
	}
}
