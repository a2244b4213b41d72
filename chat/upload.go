package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/protocol"
)

// Upload stores an image with the asset host and sends its URL as an image
// message. The destination is the conversation open when the upload
// started, even if the user has switched away since. Pass size -1 when the
// length is unknown; the reader is then buffered up to the limit.
func (s *Session) Upload(ctx context.Context, name string, r io.Reader, size int64) (protocol.Envelope, error) {
	limit := s.cfg.MaxUploadBytes
	if size < 0 {
		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: read %s: %w", ErrValidation, name, err)
		}
		size = int64(len(data))
		r = bytes.NewReader(data)
	}
	if size > limit {
		return protocol.Envelope{}, fmt.Errorf("%w: %s is larger than %s", ErrFileTooLarge, name, humanize.IBytes(uint64(limit)))
	}

	var conv *protocol.Conversation
	if err := s.do(func(s *Session) {
		if s.active == nil {
			return
		}
		c := *s.active
		conv = &c
		s.uploading++
		s.publish()
	}); err != nil {
		return protocol.Envelope{}, err
	}
	if conv == nil {
		return protocol.Envelope{}, ErrNoConversation
	}
	defer func() {
		_ = s.do(func(s *Session) {
			s.uploading--
			s.publish()
		})
	}()

	if s.cfg.Assets == nil {
		return protocol.Envelope{}, wrapRemote("upload "+name, errUnavailable)
	}
	log.Info().Str("file", name).Str("size", humanize.IBytes(uint64(size))).Msg("[chat] uploading image")
	url, err := s.cfg.Assets.Upload(ctx, name, r)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("[chat] upload image")
		return protocol.Envelope{}, wrapRemote("upload "+name, err)
	}
	if strings.TrimSpace(url) == "" {
		return protocol.Envelope{}, wrapRemote("upload "+name, errNoURL)
	}

	var (
		env     protocol.Envelope
		sendErr error
	)
	if err := s.do(func(s *Session) {
		env, sendErr = s.send(conv, url, protocol.PayloadImage)
	}); err != nil {
		return protocol.Envelope{}, err
	}
	return env, sendErr
}
