package deliver

import (
	"context"
	"fmt"
	"os"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/internal/logger"
	"github.com/clipherd-hq/clipherd-courier/internal/tokens"
	"github.com/clipherd-hq/clipherd-courier/pkg/notify"
)

// maxAlbumSize is the largest grouped message the channel accepts.
const maxAlbumSize = 10

// Bundle pairs one item with the artifacts fetched for it.
type Bundle struct {
	Item      domain.Item
	Artifacts []domain.Artifact
}

// Dispatcher groups fetched bundles into channel messages and attaches the
// secondary-action keyboard. Artifact files are scratch state and are removed
// once delivery is attempted, whether or not it succeeded.
type Dispatcher struct {
	channel notify.Channel
	tokens  *tokens.Registry
	itemURL func(handle, itemID string) string
	retry   RetryPolicy
	log     logger.Logger
}

// NewDispatcher builds a dispatcher. itemURL renders the public page for an
// item and backs the "watch original" link action.
func NewDispatcher(channel notify.Channel, registry *tokens.Registry, itemURL func(handle, itemID string) string, retry RetryPolicy, log logger.Logger) *Dispatcher {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Dispatcher{
		channel: channel,
		tokens:  registry,
		itemURL: itemURL,
		retry:   retry,
		log:     log,
	}
}

// Deliver ships the bundles for one source to a destination. Bundles must
// arrive oldest first and are sent in that order. The returned count is the
// confirmed prefix of bundles the destination acknowledged: on a mid-batch
// failure the caller must roll back only the unconfirmed remainder, never
// media the destination already accepted.
func (d *Dispatcher) Deliver(ctx context.Context, destination string, topic int64, sourceHandle string, bundles []Bundle) (int, error) {
	if len(bundles) == 0 {
		return 0, nil
	}
	defer d.removeArtifacts(bundles)

	if len(bundles) == 1 && len(bundles[0].Artifacts) == 1 {
		return d.deliverSingle(ctx, destination, topic, sourceHandle, bundles[0])
	}
	return d.deliverGrouped(ctx, destination, topic, sourceHandle, bundles)
}

// deliverSingle sends one artifact directly with the keyboard inline; the
// item ID doubles as the action token so no registry binding is needed.
func (d *Dispatcher) deliverSingle(ctx context.Context, destination string, topic int64, sourceHandle string, bundle Bundle) (int, error) {
	artifact := bundle.Artifacts[0]
	caption := "#" + sourceHandle
	actions := d.singleActions(sourceHandle, bundle.Item.ID, artifact.Kind)

	send := func() error {
		if artifact.Kind == domain.MediaVideo {
			return d.channel.SendVideo(ctx, destination, topic, artifact, caption, actions)
		}
		return d.channel.SendPhoto(ctx, destination, topic, artifact, caption, actions)
	}
	if err := d.retry.run(ctx, send); err != nil {
		return 0, fmt.Errorf("deliver %s to %s: %w", bundle.Item.ID, destination, err)
	}
	d.log.InfoObj("delivered item", "delivery", map[string]interface{}{
		"destination": destination,
		"source":      sourceHandle,
		"item":        bundle.Item.ID,
	})
	return 1, nil
}

// albumChunk is one SendAlbum call worth of artifacts. completed is the
// number of bundles fully acknowledged once this chunk is accepted.
type albumChunk struct {
	artifacts []domain.Artifact
	completed int
}

// packChunks packs whole bundles into albums of at most maxAlbumSize
// artifacts. A bundle only spans two chunks when it alone exceeds the album
// limit, so a confirmed chunk confirms whole bundles.
func packChunks(bundles []Bundle) []albumChunk {
	var chunks []albumChunk
	var cur []domain.Artifact
	completed := 0
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, albumChunk{artifacts: cur, completed: completed})
			cur = nil
		}
	}

	for _, b := range bundles {
		arts := b.Artifacts
		if len(cur) > 0 && len(cur)+len(arts) > maxAlbumSize {
			flush()
		}
		for len(arts) > maxAlbumSize-len(cur) {
			take := maxAlbumSize - len(cur)
			cur = append(cur, arts[:take]...)
			arts = arts[take:]
			flush()
		}
		cur = append(cur, arts...)
		completed++
	}
	flush()
	return chunks
}

// deliverGrouped sends the artifacts as albums followed by one summary
// message carrying the action keyboard for the whole set. Albums commit the
// bundles they complete; the summary is best effort because by the time it
// goes out every artifact has already been accepted.
func (d *Dispatcher) deliverGrouped(ctx context.Context, destination string, topic int64, sourceHandle string, bundles []Bundle) (int, error) {
	var artifacts []domain.Artifact
	itemIDs := make([]string, 0, len(bundles))
	for _, b := range bundles {
		artifacts = append(artifacts, b.Artifacts...)
		itemIDs = append(itemIDs, b.Item.ID)
	}

	confirmed := 0
	for _, chunk := range packChunks(bundles) {
		send := func() error { return d.channel.SendAlbum(ctx, destination, topic, chunk.artifacts) }
		if err := d.retry.run(ctx, send); err != nil {
			return confirmed, fmt.Errorf("deliver album to %s: %w", destination, err)
		}
		confirmed = chunk.completed
	}

	noun := "items"
	if len(bundles) == 1 {
		noun = "item"
	}
	summary := fmt.Sprintf("#%s: %d %s", sourceHandle, len(bundles), noun)
	actions := d.groupActions(sourceHandle, itemIDs, domain.AllPhotos(artifacts))
	send := func() error { return d.channel.SendMessage(ctx, destination, topic, summary, actions) }
	if err := d.retry.run(ctx, send); err != nil {
		d.log.WarnObj("summary send failed", "delivery", map[string]interface{}{
			"destination": destination,
			"source":      sourceHandle,
			"error":       err.Error(),
		})
	}

	d.log.InfoObj("delivered batch", "delivery", map[string]interface{}{
		"destination": destination,
		"source":      sourceHandle,
		"items":       len(bundles),
		"artifacts":   len(artifacts),
	})
	return len(bundles), nil
}

func (d *Dispatcher) singleActions(sourceHandle, itemID string, kind domain.MediaKind) []notify.Action {
	actions := []notify.Action{
		{Label: "Watch original", URL: d.itemURL(sourceHandle, itemID)},
	}
	if kind == domain.MediaVideo {
		actions = append(actions, notify.Action{Label: "HD", Kind: "hd", Token: itemID})
	}
	actions = append(actions, notify.Action{Label: "Audio", Kind: "audio", Token: itemID})
	return actions
}

// groupActions binds one token per action kind for the batch. HD and audio
// tokens carry item IDs for later re-resolution; the links token carries the
// rendered page URLs directly.
func (d *Dispatcher) groupActions(sourceHandle string, itemIDs []string, allPhotos bool) []notify.Action {
	var actions []notify.Action
	if !allPhotos {
		token := d.tokens.Allocate("hd")
		d.tokens.Bind(token, itemIDs)
		actions = append(actions, notify.Action{Label: "HD", Kind: "hd", Token: token})
	}

	audioToken := d.tokens.Allocate("audio")
	d.tokens.Bind(audioToken, itemIDs)
	actions = append(actions, notify.Action{Label: "Audio", Kind: "audio", Token: audioToken})

	urls := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		urls = append(urls, d.itemURL(sourceHandle, id))
	}
	urlsToken := d.tokens.Allocate("urls")
	d.tokens.Bind(urlsToken, urls)
	actions = append(actions, notify.Action{Label: "Links", Kind: "urls", Token: urlsToken})
	return actions
}

func (d *Dispatcher) removeArtifacts(bundles []Bundle) {
	for _, b := range bundles {
		for _, a := range b.Artifacts {
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				d.log.WarnObj("artifact cleanup failed", "artifact", map[string]interface{}{
					"path":  a.Path,
					"error": err.Error(),
				})
			}
		}
	}
}
