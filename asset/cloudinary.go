// Package asset uploads images to Cloudinary with an unsigned upload preset.
package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultEndpoint = "https://api.cloudinary.com/v1_1"

var ErrNotConfigured = errors.New("asset: cloud name and upload preset are required")

type Uploader struct {
	endpoint string
	cloud    string
	preset   string
	http     *http.Client
}

type Option func(*Uploader)

// WithEndpoint points the uploader at another API root, used by tests.
func WithEndpoint(endpoint string) Option {
	return func(u *Uploader) { u.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(u *Uploader) { u.http = hc }
}

func NewUploader(cloud, preset string, opts ...Option) (*Uploader, error) {
	cloud, preset = strings.TrimSpace(cloud), strings.TrimSpace(preset)
	if cloud == "" || preset == "" {
		return nil, ErrNotConfigured
	}
	u := &Uploader{
		endpoint: defaultEndpoint,
		cloud:    cloud,
		preset:   preset,
		http:     &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Upload streams r as the form's file part and returns the hosted URL.
func (u *Uploader) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, u.preset, name, r))
	}()

	url := fmt.Sprintf("%s/%s/image/upload", u.endpoint, u.cloud)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	var out struct {
		SecureURL string `json:"secure_url"`
		Error     struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("upload %s: decode response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("upload %s: status %d: %s", name, resp.StatusCode, msg)
	}
	if out.SecureURL == "" {
		return "", fmt.Errorf("upload %s: response has no secure_url", name)
	}
	log.Debug().Str("file", name).Str("url", out.SecureURL).Msg("[asset] uploaded")
	return out.SecureURL, nil
}

func writeForm(form *multipart.Writer, preset, name string, r io.Reader) error {
	part, err := form.CreateFormFile("file", path.Base(name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := form.WriteField("upload_preset", preset); err != nil {
		return err
	}
	return form.Close()
}
