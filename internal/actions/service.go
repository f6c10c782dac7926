package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipherd-hq/clipherd-courier/internal/dedup"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/internal/tokens"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
	"github.com/clipherd-hq/clipherd-courier/pkg/notify"
	"github.com/clipherd-hq/clipherd-courier/pkg/sources"
)

// Package actions fulfills the secondary delivery actions referenced by
// tokens handed out at delivery time: HD re-sends, audio extraction, and
// source URL listings.

// Service resolves a reference token back to its bound items and ships the
// requested rendition to the destination.
type Service struct {
	store    dedup.Store
	tokens   *tokens.Registry
	resolver sources.MediaResolver
	client   httpclient.Client
	channel  notify.Channel
	headers  map[string]string
	workDir  string
	log      logger.Logger
}

// NewService builds the fulfillment service. workDir holds rendition files
// for the duration of one fulfillment.
func NewService(store dedup.Store, registry *tokens.Registry, resolver sources.MediaResolver, client httpclient.Client, channel notify.Channel, endpoints sources.Endpoints, workDir string, log logger.Logger) *Service {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Service{
		store:    store,
		tokens:   registry,
		resolver: resolver,
		client:   client,
		channel:  channel,
		headers:  endpoints.Headers(),
		workDir:  workDir,
		log:      log,
	}
}

// FulfillHD downloads the high-definition rendition for every item bound to
// the token and sends each as a document. The token is single-use.
func (s *Service) FulfillHD(ctx context.Context, destination, token string) error {
	ids, err := s.consume(token, "hd")
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := s.sendRendition(ctx, destination, id, s.hdURL(id), id+"_hd.mp4"); err != nil {
			errs = append(errs, fmt.Errorf("hd %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// FulfillAudio downloads the audio track for every item bound to the token
// and sends each as a document. The token is single-use.
func (s *Service) FulfillAudio(ctx context.Context, destination, token string) error {
	ids, err := s.consume(token, "audio")
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := s.sendRendition(ctx, destination, id, s.resolver.AudioMediaURL(id), id+".mp3"); err != nil {
			errs = append(errs, fmt.Errorf("audio %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SourceURLs sends the bound page URLs as a single message. The token stays
// valid for repeated use.
func (s *Service) SourceURLs(ctx context.Context, destination string, topic int64, token string) error {
	urls := s.tokens.Resolve(token)
	if urls == nil {
		return fmt.Errorf("%w: %s", domain.ErrTokenExpired, token)
	}
	return s.channel.SendMessage(ctx, destination, topic, strings.Join(urls, "\n"), nil)
}

// consume resolves a single-use token to item IDs. A token without the
// namespace prefix is the item ID itself, used for single-item deliveries
// where no registry binding exists.
func (s *Service) consume(token, prefix string) ([]string, error) {
	if ids := s.tokens.ConsumeOnce(token); ids != nil {
		return ids, nil
	}
	if strings.HasPrefix(token, prefix+"_") {
		return nil, fmt.Errorf("%w: %s", domain.ErrTokenExpired, token)
	}
	return []string{token}, nil
}

// hdURL prefers the rendition URL cached at fetch time and falls back to the
// template URL, caching the result for the next fulfillment.
func (s *Service) hdURL(itemID string) string {
	if url, ok, err := s.store.HDURL(itemID); err == nil && ok {
		return url
	}
	url := s.resolver.HDMediaURL(itemID)
	if err := s.store.SetHDURL(itemID, url); err != nil {
		s.log.WarnObj("hd url cache write failed", "action", map[string]interface{}{
			"item":  itemID,
			"error": err.Error(),
		})
	}
	return url
}

// sendRendition downloads url into the work dir, ships it as a document, and
// removes the file.
func (s *Service) sendRendition(ctx context.Context, destination, itemID, url, filename string) error {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailure, err)
	}
	path := filepath.Join(s.workDir, filename)
	if err := s.client.Download(ctx, url, path, s.headers); err != nil {
		return fmt.Errorf("%w: download %s: %v", domain.ErrNetwork, url, err)
	}
	defer os.Remove(path)

	if err := s.channel.SendDocument(ctx, destination, path); err != nil {
		return err
	}
	s.log.InfoObj("fulfilled action", "action", map[string]interface{}{
		"destination": destination,
		"item":        itemID,
		"file":        filename,
	})
	return nil
}
