package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
	"github.com/go-resty/resty/v2"
)

// BotChannel delivers through a Telegram-compatible Bot HTTP API. Media is
// uploaded as multipart form files; albums use one sendMediaGroup call with
// attach:// references.
type BotChannel struct {
	client  *resty.Client
	apiBase string
	token   string
}

// NewBotChannel constructs a bot channel against apiBase (e.g.
// https://api.telegram.org).
func NewBotChannel(apiBase, token string, timeout time.Duration) *BotChannel {
	return &BotChannel{
		client:  httpclient.NewRestyHTTPClient(timeout),
		apiBase: apiBase,
		token:   token,
	}
}

type apiResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type inlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type albumEntry struct {
	Type              string `json:"type"`
	Media             string `json:"media"`
	SupportsStreaming bool   `json:"supports_streaming,omitempty"`
}

func (b *BotChannel) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.token, method)
}

// SendAlbum uploads the artifacts as one media group.
func (b *BotChannel) SendAlbum(ctx context.Context, destination string, topic int64, artifacts []domain.Artifact) error {
	req := b.client.R().SetContext(ctx).SetFormData(map[string]string{"chat_id": destination})
	if topic != 0 {
		req.SetFormData(map[string]string{"message_thread_id": strconv.FormatInt(topic, 10)})
	}

	entries := make([]albumEntry, 0, len(artifacts))
	for i, a := range artifacts {
		field := fmt.Sprintf("file%d", i)
		file, err := os.Open(a.Path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", domain.ErrWriteFailure, a.Path, err)
		}
		defer file.Close()
		req.SetFileReader(field, filepath.Base(a.Path), file)

		entry := albumEntry{Type: string(a.Kind), Media: "attach://" + field}
		if a.Kind == domain.MediaVideo {
			entry.SupportsStreaming = true
		}
		entries = append(entries, entry)
	}
	media, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal album: %w", err)
	}
	req.SetFormData(map[string]string{"media": string(media)})

	resp, err := req.Post(b.methodURL("sendMediaGroup"))
	if err != nil {
		return fmt.Errorf("%w: sendMediaGroup: %v", domain.ErrNetwork, err)
	}
	return classify(resp)
}

// SendPhoto uploads a single photo with caption and optional actions.
func (b *BotChannel) SendPhoto(ctx context.Context, destination string, topic int64, artifact domain.Artifact, caption string, actions []Action) error {
	return b.sendSingle(ctx, "sendPhoto", "photo", destination, topic, artifact, caption, actions, nil)
}

// SendVideo uploads a single streamable video with caption and optional actions.
func (b *BotChannel) SendVideo(ctx context.Context, destination string, topic int64, artifact domain.Artifact, caption string, actions []Action) error {
	extra := map[string]string{"supports_streaming": "true"}
	return b.sendSingle(ctx, "sendVideo", "video", destination, topic, artifact, caption, actions, extra)
}

// SendDocument uploads a file without transcoding.
func (b *BotChannel) SendDocument(ctx context.Context, destination string, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrWriteFailure, path, err)
	}
	defer file.Close()

	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":                        destination,
			"disable_content_type_detection": "true",
		}).
		SetFileReader("document", filepath.Base(path), file).
		Post(b.methodURL("sendDocument"))
	if err != nil {
		return fmt.Errorf("%w: sendDocument: %v", domain.ErrNetwork, err)
	}
	return classify(resp)
}

// SendMessage sends a text message with optional inline actions.
func (b *BotChannel) SendMessage(ctx context.Context, destination string, topic int64, text string, actions []Action) error {
	form := map[string]string{
		"chat_id": destination,
		"text":    text,
	}
	if topic != 0 {
		form["message_thread_id"] = strconv.FormatInt(topic, 10)
	}
	if markup := buildMarkup(actions); markup != "" {
		form["reply_markup"] = markup
	}

	resp, err := b.client.R().SetContext(ctx).SetFormData(form).Post(b.methodURL("sendMessage"))
	if err != nil {
		return fmt.Errorf("%w: sendMessage: %v", domain.ErrNetwork, err)
	}
	return classify(resp)
}

func (b *BotChannel) sendSingle(ctx context.Context, method, field, destination string, topic int64, artifact domain.Artifact, caption string, actions []Action, extra map[string]string) error {
	file, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrWriteFailure, artifact.Path, err)
	}
	defer file.Close()

	form := map[string]string{"chat_id": destination}
	if caption != "" {
		form["caption"] = caption
	}
	if topic != 0 {
		form["message_thread_id"] = strconv.FormatInt(topic, 10)
	}
	if markup := buildMarkup(actions); markup != "" {
		form["reply_markup"] = markup
	}
	for k, v := range extra {
		form[k] = v
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetFileReader(field, filepath.Base(artifact.Path), file).
		Post(b.methodURL(method))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrNetwork, method, err)
	}
	return classify(resp)
}

// buildMarkup renders actions as a single inline keyboard row per link
// action plus one row of token actions, matching the delivery layout the
// destination expects.
func buildMarkup(actions []Action) string {
	if len(actions) == 0 {
		return ""
	}

	var linkRows [][]inlineButton
	var tokenRow []inlineButton
	for _, a := range actions {
		if a.URL != "" {
			linkRows = append(linkRows, []inlineButton{{Text: a.Label, URL: a.URL}})
			continue
		}
		tokenRow = append(tokenRow, inlineButton{
			Text:         a.Label,
			CallbackData: a.Kind + "|" + a.Token,
		})
	}
	rows := linkRows
	if len(tokenRow) > 0 {
		rows = append(rows, tokenRow)
	}

	out, err := json.Marshal(inlineKeyboard{InlineKeyboard: rows})
	if err != nil {
		return ""
	}
	return string(out)
}

// classify maps an API response onto the failure taxonomy: 4xx other than
// rate limiting is a permanent destination-side rejection, everything else
// non-OK is transient.
func classify(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusOK {
		var result apiResult
		if err := json.Unmarshal(resp.Body(), &result); err == nil && result.OK {
			return nil
		}
	}

	var result apiResult
	_ = json.Unmarshal(resp.Body(), &result)
	desc := result.Description
	if desc == "" {
		desc = fmt.Sprintf("status %d", resp.StatusCode())
	}

	if resp.StatusCode() >= http.StatusBadRequest && resp.StatusCode() < http.StatusInternalServerError &&
		resp.StatusCode() != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", domain.ErrDeliveryRejected, desc)
	}
	return fmt.Errorf("%w: %s", domain.ErrNetwork, desc)
}
