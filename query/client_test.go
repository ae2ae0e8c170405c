package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, pageSize int) *MISPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewMISPClient(ClientConfig{URL: srv.URL + "/", Token: "secret", PageSize: pageSize}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestMISPClient_SearchPaginatesAttributes(t *testing.T) {
	var calls atomic.Int32
	var bodies []map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/attributes/restSearch", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		var attrs []map[string]any
		if body["page"].(float64) == 1 {
			attrs = []map[string]any{{"id": "1", "value": "a"}, {"id": "2", "value": "b"}}
		} else {
			attrs = []map[string]any{{"id": "3", "value": "c", "event_id": 9}}
		}
		writeJSON(w, map[string]any{"response": map[string]any{"Attribute": attrs}})
	}, 2)

	f := Filters{Controller: ControllerAttributes, Type: "domain", DateFrom: "2024-01-01", DateTo: "2024-01-02", Tags: []string{"tlp:white"}, NotTags: []string{"false-positive"}}
	attrs, err := c.Search(context.Background(), f)
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	require.Len(t, attrs, 3)
	assert.Equal(t, "c", attrs[2]["value"])
	assert.Equal(t, json.Number("9"), attrs[2]["event_id"])

	require.Len(t, bodies, 2)
	assert.Equal(t, "domain", bodies[0]["type"])
	assert.Equal(t, "2024-01-01", bodies[0]["from"])
	assert.Equal(t, "2024-01-02", bodies[0]["to"])
	assert.Equal(t, []any{"tlp:white", "!false-positive"}, bodies[0]["tags"])
	assert.EqualValues(t, 2, bodies[0]["limit"])
	assert.NotContains(t, bodies[0], "org")
}

func TestMISPClient_SearchEventsAttachesStrippedEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/restSearch", r.URL.Path)
		writeJSON(w, map[string]any{"response": []any{
			map[string]any{"Event": map[string]any{
				"id":   "5",
				"info": "Botnet C2",
				"Attribute": []any{
					map[string]any{"value": "1.2.3.4"},
					map[string]any{"value": "5.6.7.8"},
				},
				"Galaxy": []any{},
			}},
		}})
	}, 10)

	attrs, err := c.Search(context.Background(), Filters{Controller: ControllerEvents})
	require.NoError(t, err)
	require.Len(t, attrs, 2)

	ev := attrs[1]["Event"].(map[string]any)
	assert.Equal(t, "Botnet C2", ev["info"])
	assert.NotContains(t, ev, "Attribute")
	assert.NotContains(t, ev, "Galaxy")
}

func TestMISPClient_GetEventStripsCollections(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/events/view/7", r.URL.Path)
		writeJSON(w, map[string]any{"Event": map[string]any{
			"id":           "7",
			"info":         "Phishing wave",
			"Attribute":    []any{map[string]any{"value": "x"}},
			"Object":       []any{},
			"RelatedEvent": []any{},
			"Galaxy":       []any{},
			"Tag":          []any{map[string]any{"name": "tlp:green"}},
		}})
	}, 10)

	ev, err := c.GetEvent(context.Background(), "7")
	require.NoError(t, err)

	assert.Equal(t, "Phishing wave", ev["info"])
	assert.Contains(t, ev, "Tag")
	for _, k := range []string{"Attribute", "Object", "RelatedEvent", "Galaxy"} {
		assert.NotContains(t, ev, k)
	}
}

func TestMISPClient_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Authentication failed", http.StatusForbidden)
	}, 10)

	_, err := c.GetEvent(context.Background(), "1")
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "HTTP 403")

	_, err = c.Search(context.Background(), Filters{Controller: ControllerAttributes})
	assert.ErrorIs(t, err, ErrRemote)
}

func TestMISPClient_MissingEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"errors": "Invalid event"})
	}, 10)

	_, err := c.GetEvent(context.Background(), "404")
	assert.ErrorIs(t, err, ErrRemote)
}

func TestNewMISPClient_InvalidURL(t *testing.T) {
	_, err := NewMISPClient(ClientConfig{URL: "misp.local"}, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestStripEvent_LeavesInputIntact(t *testing.T) {
	ev := map[string]any{"info": "x", "Attribute": []any{}}
	out := StripEvent(ev)

	assert.NotContains(t, out, "Attribute")
	assert.Contains(t, ev, "Attribute")
}
