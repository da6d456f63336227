// Package archive persists successful fetches and announces them downstream.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// EventFetchCompleted is the event type carried by every published payload.
const EventFetchCompleted = "fetch.completed"

// Config controls object naming and the publish topic.
type Config struct {
	BlobPrefix  string
	ContentType string
	Topic       string
}

// Event is the payload published after a page is archived.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	Domain      string    `json:"domain"`
	Depth       int       `json:"depth"`
	StatusCode  int       `json:"status"`
	Transport   string    `json:"transport"`
	ProxyID     string    `json:"proxy_id,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	ContentHash string    `json:"hash"`
	Bytes       int       `json:"bytes"`
	DurationMs  int64     `json:"duration_ms"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Archiver writes bodies to a BlobStore and publishes an Event. Either
// collaborator may be nil.
type Archiver struct {
	cfg       Config
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
}

// New creates an Archiver.
func New(
	cfg Config,
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Archiver, error) {
	if hasher == nil || ids == nil || clock == nil {
		return nil, fmt.Errorf("hasher, id generator and clock are required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		cfg:       cfg,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}, nil
}

// BlobPath returns {prefix}/{domain}/{yyyy}/{mm}/{dd}/{hash}.html.
func (a *Archiver) BlobPath(domain, hash string, at time.Time) string {
	rel := fmt.Sprintf("%s/%s/%s.html", domain, at.UTC().Format("2006/01/02"), hash)
	prefix := strings.Trim(a.cfg.BlobPrefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// Archive stores the outcome body and publishes the completion event.
func (a *Archiver) Archive(ctx context.Context, outcome crawler.FetchOutcome) (Event, error) {
	hash, err := a.hasher.Hash(outcome.Body)
	if err != nil {
		return Event{}, fmt.Errorf("hash body: %w", err)
	}
	id, err := a.ids.NewID()
	if err != nil {
		return Event{}, fmt.Errorf("new event id: %w", err)
	}
	now := a.clock.Now()
	domain := outcome.Task.Domain()
	evt := Event{
		ID:          id,
		Type:        EventFetchCompleted,
		URL:         outcome.Task.NormalizedURL,
		FinalURL:    outcome.FinalURL,
		Domain:      domain,
		Depth:       outcome.Task.Depth,
		StatusCode:  outcome.StatusCode,
		Transport:   string(outcome.Transport),
		ProxyID:     outcome.ProxyID,
		ContentHash: hash,
		Bytes:       len(outcome.Body),
		DurationMs:  outcome.Elapsed.Milliseconds(),
		FetchedAt:   now,
	}

	if a.blobs != nil {
		uri, err := a.blobs.PutObject(ctx, a.BlobPath(domain, hash, now), a.cfg.ContentType, bytes.NewReader(outcome.Body))
		if err != nil {
			return Event{}, fmt.Errorf("put object: %w", err)
		}
		evt.BlobURI = uri
	}
	if a.publisher != nil && a.cfg.Topic != "" {
		if _, err := a.publisher.Publish(ctx, a.cfg.Topic, evt); err != nil {
			return Event{}, fmt.Errorf("publish event: %w", err)
		}
	}
	a.logger.Debug("Page archived",
		zap.String("url", evt.URL),
		zap.String("blob_uri", evt.BlobURI),
		zap.String("hash", hash),
	)
	return evt, nil
}
