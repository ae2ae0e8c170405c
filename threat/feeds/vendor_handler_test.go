package feeds

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"iocpipe/core"
)

func newTestVendorHandler(t *testing.T, fetcher Fetcher, extractor Extractor) *VendorHandler {
	t.Helper()
	h, err := NewVendorHandler(fetcher, extractor, testNormalizer(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return h
}

var vendorFeed = &core.Feed{
	Name:     "vendor-intel",
	URL:      "https://vendor.example.com/feed/index.json",
	Format:   core.FeedFormatVendor,
	Provider: "vendor",
}

func TestVendorHandler_MaskedIPBecomesIPDst(t *testing.T) {
	h := newTestVendorHandler(t, nil, nil)

	records, err := h.ParsePackage(vendorFeed, []byte(`[
		{"type": 1, "mask": "8.8.8.8", "category": "Phishing", "threat": "kit-42", "last_seen": 1700000000}
	]`))

	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "8.8.8.8", r.Value)
	assert.Equal(t, core.TypeIPDst, r.Type)
	assert.Equal(t, "phishing", r.Category)
	assert.Equal(t, []string{"phishing"}, r.Tags)
	assert.Equal(t, "kit-42", r.Comment)
	assert.Equal(t, int64(1700000000), r.Timestamp)
	assert.Equal(t, "vendor-intel", r.Info)
	assert.Equal(t, "vendor", r.Provider)
}

func TestVendorHandler_TypeCodes(t *testing.T) {
	h := newTestVendorHandler(t, nil, nil)

	records, err := h.ParsePackage(vendorFeed, []byte(`[
		{"type": 2, "mask": "evil.com", "id": 7, "first_seen": "2024-01-01T00:00:00Z"},
		{"type": 3, "mask": "http://evil.com/a"},
		{"type": 99, "mask": "skipped.example"},
		{"type": 22, "mask": "http://evil.com/b"}
	]`))

	require.NoError(t, err)
	assert.Equal(t, []string{"evil.com", "http://evil.com/a", "http://evil.com/b"}, valuesOf(records))
	assert.Equal(t, core.TypeDomain, records[0].Type)
	assert.Equal(t, "7", records[0].Comment)
	assert.Equal(t, int64(1704067200), records[0].Timestamp)
	assert.Equal(t, core.TypeURL, records[1].Type)
	assert.Equal(t, core.CategoryUnknown, records[1].Category)
	assert.Equal(t, fixedNow.Unix(), records[1].Timestamp)
}

func TestVendorHandler_HashFanOut(t *testing.T) {
	h := newTestVendorHandler(t, nil, nil)

	records, err := h.ParsePackage(vendorFeed, []byte(`[
		{"id": 42, "category": "Malware", "MD5": "d41d8cd98f00b204e9800998ecf8427e",
		 "SHA1": "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		 "SHA256": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	]`))

	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{core.TypeMD5, core.TypeSHA1, core.TypeSHA256},
		[]string{records[0].Type, records[1].Type, records[2].Type})
	for _, r := range records {
		assert.Equal(t, "42", r.Comment)
		assert.Equal(t, "malware", r.Category)
	}
	assert.NotEqual(t, records[0].UUID, records[1].UUID)
}

func TestVendorHandler_SchemaViolations(t *testing.T) {
	h := newTestVendorHandler(t, nil, nil)

	for _, payload := range []string{
		`{"not": "an array"}`,
		`[{"type": "one", "mask": "x"}]`,
		`[{"mask": 5}]`,
		`not json`,
	} {
		_, err := h.ParsePackage(vendorFeed, []byte(payload))
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %s", payload)
	}
}

func TestVendorHandler_FetchRecords(t *testing.T) {
	workDir := t.TempDir()
	fetcher := newFakeFetcher()
	fetcher.serve(vendorFeed.URL,
		[]byte(`{"updates":[{"packages":[{"link":"https://vendor.example.com/pkg/latest"}]}]}`), nil)
	fetcher.serve("https://vendor.example.com/pkg/latest",
		buildZip(t, zipMember{"attributes.json", `[{"type":1,"mask":"evil.com"},{"type":1,"mask":"1.1.1.1"}]`}),
		http.Header{"Content-Disposition": []string{`attachment; filename="feed-20240601.zip"`}})

	h := newTestVendorHandler(t, fetcher, NewZipExtractor(workDir))

	records, err := h.FetchRecords(context.Background(), vendorFeed)

	require.NoError(t, err)
	assert.Equal(t, []string{"evil.com", "1.1.1.1"}, valuesOf(records))
	assert.Equal(t, core.TypeIPDst, records[1].Type)

	leftovers, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "archive is removed after extraction")
}

func TestVendorHandler_IndexWithoutPackage(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.serve(vendorFeed.URL, []byte(`{"updates":[]}`), nil)
	h := newTestVendorHandler(t, fetcher, NewZipExtractor(t.TempDir()))

	_, err := h.FetchRecords(context.Background(), vendorFeed)

	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestPackageFilename(t *testing.T) {
	assert.Equal(t, "feed.zip", packageFilename(`attachment; filename="feed.zip"`))
	assert.Equal(t, "evil.zip", packageFilename(`attachment; filename="../../evil.zip"`))

	generated := packageFilename("")
	assert.True(t, strings.HasSuffix(generated, ".zip"))
	assert.Len(t, generated, 36+len(".zip"))
}
