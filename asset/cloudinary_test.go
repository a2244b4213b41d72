package asset

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUploaderNeedsConfig(t *testing.T) {
	_, err := NewUploader("", "preset")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewUploader("demo", " ")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUpload(t *testing.T) {
	var (
		gotPath   string
		gotPreset string
		gotName   string
		gotBody   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		gotPreset = r.FormValue("upload_preset")
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotBody = hdr.Filename, string(b)
		_, _ = w.Write([]byte(`{"secure_url":"https://res.example/demo/cat.png"}`))
	}))
	defer srv.Close()

	u, err := NewUploader("demo", "unsigned", WithEndpoint(srv.URL))
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), "/tmp/cat.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/demo/cat.png", url)
	assert.Equal(t, "/demo/image/upload", gotPath)
	assert.Equal(t, "unsigned", gotPreset)
	assert.Equal(t, "cat.png", gotName)
	assert.Equal(t, "png-bytes", gotBody)
}

func TestUploadFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"host error", http.StatusBadRequest, `{"error":{"message":"Upload preset not found"}}`, "Upload preset not found"},
		{"no url", http.StatusOK, `{}`, "no secure_url"},
		{"garbage", http.StatusBadGateway, `<html>`, "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			u, err := NewUploader("demo", "unsigned", WithEndpoint(srv.URL))
			require.NoError(t, err)
			_, err = u.Upload(context.Background(), "cat.png", strings.NewReader("x"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
