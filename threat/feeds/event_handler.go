package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"iocpipe/core"
)

// =============================================================================
// Event Feed Handler
// =============================================================================

// eventDocument is one <key>.json file of an event feed.
type eventDocument struct {
	Event *feedEvent `json:"Event"`
}

type feedEvent struct {
	Info      string          `json:"info"`
	Tag       []feedTag       `json:"Tag"`
	Attribute []feedAttribute `json:"Attribute"`
}

type feedTag struct {
	Name string `json:"name"`
}

type feedAttribute struct {
	Value     string   `json:"value"`
	Type      string   `json:"type"`
	Category  string   `json:"category"`
	Comment   string   `json:"comment"`
	UUID      string   `json:"uuid"`
	ToIDs     flexBool `json:"to_ids"`
	Timestamp any      `json:"timestamp"`
}

// flexBool accepts true/false, "0"/"1" and 0/1.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "", "null":
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", data)
	}
	*b = flexBool(v)
	return nil
}

// EventHandler implements Handler for MISP-style feeds: a manifest followed
// by one fetch per listed event.
type EventHandler struct {
	fetcher    Fetcher
	normalizer *Normalizer
	logger     *zap.SugaredLogger
}

// NewEventHandler creates an event feed handler
func NewEventHandler(fetcher Fetcher, normalizer *Normalizer, logger *zap.SugaredLogger) *EventHandler {
	return &EventHandler{
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Format returns the feed format this handler supports
func (h *EventHandler) Format() core.FeedFormat {
	return core.FeedFormatEvent
}

// Validate checks if the feed configuration is valid
func (h *EventHandler) Validate(feed *core.Feed) error {
	if feed.URL == "" {
		return ErrMissingURL
	}
	return nil
}

// FetchRecords downloads the manifest and every event it lists.
func (h *EventHandler) FetchRecords(ctx context.Context, feed *core.Feed) ([]*core.Record, error) {
	if err := h.Validate(feed); err != nil {
		return nil, err
	}
	base := strings.TrimRight(feed.URL, "/")

	resp, err := h.fetcher.Get(ctx, base+"/manifest.json", feed.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest: %w", err)
	}

	keys, err := ParseManifest(resp.Body)
	if err != nil {
		return nil, err
	}
	h.logger.Debugw("Event manifest loaded", "feed", feed.Name, "events", len(keys))

	var records []*core.Record
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		eventResp, err := h.fetcher.Get(ctx, base+"/"+url.PathEscape(key)+".json", feed.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to download event %s: %w", key, err)
		}

		eventRecords, err := h.ParseEvent(feed, eventResp.Body)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", key, err)
		}
		records = append(records, eventRecords...)
	}

	return records, nil
}

// ParseManifest returns the event keys of a manifest in sorted order.
func ParseManifest(data []byte) ([]string, error) {
	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformedPayload, err)
	}
	keys := make([]string, 0, len(manifest))
	for k := range manifest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ParseEvent converts one event document into records, one per attribute.
// Tags come from the event, not the attribute.
func (h *EventHandler) ParseEvent(feed *core.Feed, data []byte) ([]*core.Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc eventDocument
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if doc.Event == nil {
		return nil, fmt.Errorf("%w: missing Event object", ErrMalformedPayload)
	}
	if len(doc.Event.Attribute) == 0 {
		return nil, nil
	}

	tags := make([]string, 0, len(doc.Event.Tag))
	for _, tag := range doc.Event.Tag {
		tags = append(tags, tag.Name)
	}

	records := make([]*core.Record, 0, len(doc.Event.Attribute))
	for _, attr := range doc.Event.Attribute {
		timestamp := h.normalizer.Current()
		if attr.Timestamp != nil {
			ts, err := h.normalizer.NormalizeValue(attr.Timestamp, feed.TimestampFormat)
			if err != nil {
				return nil, err
			}
			timestamp = ts
		}

		r := core.NewRecord(feed)
		r.Value = attr.Value
		r.Info = doc.Event.Info
		r.Type = attr.Type
		r.Timestamp = timestamp
		r.Category = attr.Category
		r.Comment = attr.Comment
		r.ToIDs = bool(attr.ToIDs)
		r.Link = ""
		r.Tags = append([]string{}, tags...)
		if attr.UUID != "" {
			r.UUID = attr.UUID
		}
		records = append(records, r)
	}

	return records, nil
}
