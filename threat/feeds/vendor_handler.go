package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"iocpipe/core"
)

// =============================================================================
// Vendor Feed Handler
// =============================================================================

// vendorTypeCodes maps the vendor's numeric attribute type to a record type.
var vendorTypeCodes = map[int]string{
	1:  core.TypeDomain,
	2:  core.TypeDomain,
	3:  core.TypeURL,
	4:  core.TypeURL,
	19: core.TypeURL,
	20: core.TypeURL,
	21: core.TypeURL,
	22: core.TypeURL,
}

// vendorHashFields are emitted in this order when an attribute has no mask.
var vendorHashFields = []string{"MD5", "SHA1", "SHA256"}

const vendorAttributeSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "type":   {"type": "integer"},
      "mask":   {"type": "string"},
      "MD5":    {"type": "string"},
      "SHA1":   {"type": "string"},
      "SHA256": {"type": "string"}
    }
  }
}`

// vendorIndex is the document served at the feed URL; it points at the package.
type vendorIndex struct {
	Updates []struct {
		Packages []struct {
			Link string `json:"link"`
		} `json:"packages"`
	} `json:"updates"`
}

// VendorHandler implements Handler for zipped vendor attribute packages.
type VendorHandler struct {
	fetcher    Fetcher
	extractor  Extractor
	normalizer *Normalizer
	schema     *gojsonschema.Schema
	logger     *zap.SugaredLogger
}

// NewVendorHandler creates a vendor feed handler
func NewVendorHandler(fetcher Fetcher, extractor Extractor, normalizer *Normalizer, logger *zap.SugaredLogger) (*VendorHandler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(vendorAttributeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile vendor schema: %w", err)
	}
	return &VendorHandler{
		fetcher:    fetcher,
		extractor:  extractor,
		normalizer: normalizer,
		schema:     schema,
		logger:     logger,
	}, nil
}

// Format returns the feed format this handler supports
func (h *VendorHandler) Format() core.FeedFormat {
	return core.FeedFormatVendor
}

// Validate checks if the feed configuration is valid
func (h *VendorHandler) Validate(feed *core.Feed) error {
	if feed.URL == "" {
		return ErrMissingURL
	}
	return nil
}

// FetchRecords downloads the index, then the package, and parses its first entry.
func (h *VendorHandler) FetchRecords(ctx context.Context, feed *core.Feed) ([]*core.Record, error) {
	if err := h.Validate(feed); err != nil {
		return nil, err
	}

	indexResp, err := h.fetcher.Get(ctx, feed.URL, feed.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to download feed index: %w", err)
	}

	var index vendorIndex
	if err := json.Unmarshal(indexResp.Body, &index); err != nil {
		return nil, fmt.Errorf("%w: feed index: %v", ErrMalformedPayload, err)
	}
	if len(index.Updates) == 0 || len(index.Updates[0].Packages) == 0 || index.Updates[0].Packages[0].Link == "" {
		return nil, fmt.Errorf("%w: feed index has no package link", ErrMalformedPayload)
	}
	packageURL := index.Updates[0].Packages[0].Link

	pkgResp, err := h.fetcher.Get(ctx, packageURL, feed.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to download package: %w", err)
	}

	entries, err := h.extractor.Extract(ctx, packageFilename(pkgResp.Header.Get("Content-Disposition")), pkgResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to extract package: %w", err)
	}

	h.logger.Debugw("Vendor package extracted", "feed", feed.Name, "entry", entries[0].Name, "entries", len(entries))
	return h.ParsePackage(feed, entries[0].Data)
}

// ParsePackage validates and parses an attribute list document.
func (h *VendorHandler) ParsePackage(feed *core.Feed, data []byte) ([]*core.Record, error) {
	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, strings.Join(msgs, "; "))
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var attrs []map[string]any
	if err := decoder.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return h.ParseAttributes(feed, attrs)
}

// ParseAttributes converts decoded vendor attributes into records. Attributes
// with an unknown type code are skipped.
func (h *VendorHandler) ParseAttributes(feed *core.Feed, attrs []map[string]any) ([]*core.Record, error) {
	records := make([]*core.Record, 0, len(attrs))

	for i, attr := range attrs {
		timestamp, err := h.attributeTimestamp(feed, attr)
		if err != nil {
			return nil, fmt.Errorf("attribute %d: %w", i, err)
		}

		category := core.CategoryUnknown
		if c, ok := attr["category"]; ok && c != nil {
			category = strings.ToLower(stringify(c))
		}

		comment := stringify(attr["id"])
		if threat, ok := attr["threat"]; ok && threat != nil {
			comment = stringify(threat)
		}

		base := func(value, typ string) *core.Record {
			r := core.NewRecord(feed)
			r.Value = value
			r.Type = typ
			r.Timestamp = timestamp
			r.Category = category
			r.Comment = comment
			r.Tags = []string{category}
			return r
		}

		if mask, ok := attr["mask"]; ok {
			typ, err := vendorType(attr["type"])
			if err != nil {
				h.logger.Debugw("Skipping vendor attribute", "feed", feed.Name, "index", i, "error", err)
				continue
			}
			value := stringify(mask)
			if typ == core.TypeDomain && core.IsIPv4(value) {
				typ = core.TypeIPDst
			}
			records = append(records, base(value, typ))
			continue
		}

		for _, field := range vendorHashFields {
			if hash, ok := attr[field]; ok {
				records = append(records, base(stringify(hash), strings.ToLower(field)))
			}
		}
	}

	return records, nil
}

func (h *VendorHandler) attributeTimestamp(feed *core.Feed, attr map[string]any) (int64, error) {
	for _, key := range []string{"last_seen", "first_seen"} {
		if raw, ok := attr[key]; ok && raw != nil {
			return h.normalizer.NormalizeValue(raw, feed.TimestampFormat)
		}
	}
	return h.normalizer.Current(), nil
}

func vendorType(code any) (string, error) {
	var n int
	switch v := code.(type) {
	case json.Number:
		i, err := strconv.Atoi(v.String())
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnknownTypeCode, v)
		}
		n = i
	case float64:
		n = int(v)
	case int:
		n = v
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownTypeCode, code)
	}

	typ, ok := vendorTypeCodes[n]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownTypeCode, n)
	}
	return typ, nil
}

// packageFilename takes the name from a Content-Disposition header, or makes one up.
func packageFilename(disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	return uuid.New().String() + ".zip"
}

// stringify renders a decoded JSON scalar as text.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
