package feeds

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iocpipe/core"
)

// fixedNow is the clock used wherever a test needs "now".
var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	n := NewNormalizer(time.UTC)
	n.Now = func() time.Time { return fixedNow }
	return n
}

// fakeFetcher serves canned responses by URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*Response
	errs      map[string]error
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]*Response{}, errs: map[string]error{}}
}

func (f *fakeFetcher) serve(url string, body []byte, header http.Header) {
	if header == nil {
		header = http.Header{}
	}
	f.responses[url] = &Response{StatusCode: http.StatusOK, Header: header, Body: body}
}

func (f *fakeFetcher) Get(_ context.Context, url string, _ map[string]string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if resp, ok := f.responses[url]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("%w: HTTP 404 from %s", ErrHTTPStatus, url)
}

type zipMember struct {
	name string
	body string
}

func buildZip(t *testing.T, members ...zipMember) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, m := range members {
		fw, err := w.Create(m.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(m.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func valuesOf(records []*core.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Value)
	}
	return out
}
