package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"postfilter/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const vkAPIVersion = "5.199"

// VK monitors group walls by polling wall.get and delivers forwarded posts
// with wall.post. VK has no usable push transport for this case, so
// monitoring is a poll loop with a persisted per-source cursor.
type VK struct {
	client   HTTPClient
	cursors  CursorStore
	token    string
	baseURL  string
	interval time.Duration
	running  atomic.Bool // read by Monitor/Forward goroutines
	log      *slog.Logger
}

// NewVK creates a VK connector. An empty token leaves the connector
// disabled; Start reports this without failing the process.
func NewVK(client HTTPClient, cursors CursorStore, token string, log *slog.Logger) *VK {
	return &VK{
		client:   client,
		cursors:  cursors,
		token:    token,
		baseURL:  "https://api.vk.com/method",
		interval: time.Minute,
		log:      log,
	}
}

// SetPollInterval overrides the default 1-minute wall poll interval.
func (v *VK) SetPollInterval(d time.Duration) {
	v.interval = d
}

// SetBaseURL overrides the VK API endpoint (useful for testing).
func (v *VK) SetBaseURL(u string) {
	v.baseURL = strings.TrimRight(u, "/")
}

// Start verifies the token. A failed check disables the connector instead of
// failing the process, so the Telegram side keeps working without VK.
func (v *VK) Start(ctx context.Context) error {
	if v.token == "" {
		v.log.Warn("VK_TOKEN not set, VK provider disabled")
		return nil
	}
	if _, err := v.call(ctx, "users.get", url.Values{}); err != nil {
		v.log.Error("vk auth check failed, VK provider disabled", "error", err)
		return nil
	}
	v.running.Store(true)
	v.log.Info("vk provider started")
	return nil
}

// Stop halts polling.
func (v *VK) Stop() error {
	v.running.Store(false)
	return nil
}

// Monitor polls each source's wall on a fixed interval until ctx is
// cancelled. New posts past the persisted cursor are emitted oldest-first.
func (v *VK) Monitor(ctx context.Context, sources []model.Source, emit EmitFunc) error {
	if !v.running.Load() {
		return nil
	}

	cursors := make(map[int64]int64, len(sources))
	for _, src := range sources {
		if n, err := strconv.ParseInt(src.Cursor, 10, 64); err == nil {
			cursors[src.ID] = n
		}
	}

	v.pollAll(ctx, sources, cursors, emit)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.pollAll(ctx, sources, cursors, emit)
		}
	}
}

func (v *VK) pollAll(ctx context.Context, sources []model.Source, cursors map[int64]int64, emit EmitFunc) {
	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		if err := v.pollSource(ctx, src, cursors, emit); err != nil {
			v.log.Error("poll vk source", "source_id", src.SourceID, "error", err)
		}
	}
}

func (v *VK) pollSource(ctx context.Context, src model.Source, cursors map[int64]int64, emit EmitFunc) error {
	var posts []vkWallPost
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		posts, err = v.wallGet(ctx, src.SourceID)
		return retry.RetryableError(err)
	})
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}

	fresh := make([]vkWallPost, 0, len(posts))
	cursor, baselined := cursors[src.ID]
	for _, p := range posts {
		if p.IsPinned == 1 {
			continue
		}
		if !baselined || p.ID > cursor {
			fresh = append(fresh, p)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	maxID := cursor
	for _, p := range fresh {
		if p.ID > maxID {
			maxID = p.ID
		}
		// First poll of a new source only baselines the cursor.
		if baselined {
			emit(ctx, wallPostToPost(p, src))
		}
	}

	if maxID != cursor || !baselined {
		cursors[src.ID] = maxID
		if err := v.cursors.SetSourceCursor(ctx, src.ID, strconv.FormatInt(maxID, 10)); err != nil {
			v.log.Error("persist vk cursor", "source_id", src.SourceID, "error", err)
		}
	}
	return nil
}

type vkWallPost struct {
	ID          int64  `json:"id"`
	OwnerID     int64  `json:"owner_id"`
	Text        string `json:"text"`
	IsPinned    int    `json:"is_pinned"`
	Attachments []any  `json:"attachments"`
}

func wallPostToPost(p vkWallPost, src model.Source) model.Post {
	name := src.Name
	if name == "" {
		name = src.SourceID
	}
	return model.Post{
		SourceType: model.SourceVK,
		SourceID:   src.SourceID,
		SourceName: name,
		PostID:     fmt.Sprintf("%d_%d", p.OwnerID, p.ID),
		Text:       p.Text,
		HasMedia:   len(p.Attachments) > 0,
		Raw: &model.RawRef{
			Type: model.SourceVK,
			VK:   &model.VKRef{OwnerID: p.OwnerID, PostID: p.ID},
		},
	}
}

// Forward publishes the post on the target group's wall: VK has no native
// cross-account forward, so the body is copied with a link to the original.
func (v *VK) Forward(ctx context.Context, target string, post model.Post, annotation string) error {
	if !v.running.Load() {
		return fmt.Errorf("vk provider not running")
	}

	ownerID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid vk target %q: %w", target, err)
	}

	var b strings.Builder
	b.WriteString(annotation)
	if post.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(post.Text)
	}
	if link := originLink(post); link != "" {
		b.WriteString("\n\nSource: ")
		b.WriteString(link)
	}

	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(ownerID, 10))
	params.Set("message", b.String())
	if _, err := v.call(ctx, "wall.post", params); err != nil {
		return fmt.Errorf("wall.post: %w", err)
	}
	return nil
}

func (v *VK) wallGet(ctx context.Context, sourceID string) ([]vkWallPost, error) {
	params := url.Values{}
	if _, err := strconv.ParseInt(sourceID, 10, 64); err == nil {
		params.Set("owner_id", sourceID)
	} else {
		params.Set("domain", strings.TrimPrefix(sourceID, "@"))
	}
	params.Set("count", "5")

	raw, err := v.call(ctx, "wall.get", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []vkWallPost `json:"items"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse wall.get: %w", err)
	}
	return payload.Items, nil
}

// call performs one VK API method call and returns the raw "response" value.
func (v *VK) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	params.Set("access_token", v.token)
	params.Set("v", vkAPIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
		Error    *struct {
			Code    int    `json:"error_code"`
			Message string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("vk api error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Response, nil
}
