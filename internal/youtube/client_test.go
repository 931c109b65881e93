package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/service"
	"google.golang.org/api/googleapi"
)

type meterCall struct {
	op       service.OperationKind
	endpoint string
	err      error
}

type recordingMeter struct {
	mu    sync.Mutex
	calls []meterCall
}

func (m *recordingMeter) Record(ctx context.Context, op service.OperationKind, endpoint string, callErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, meterCall{op: op, endpoint: endpoint, err: callErr})
	return nil
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithEndpoint(srv.URL + "/"))
}

func TestClient_FetchItems_Channel(t *testing.T) {
	after := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/search"):
			assert.Equal(t, "UCchannel", r.URL.Query().Get("channelId"))
			assert.Equal(t, "date", r.URL.Query().Get("order"))
			assert.Equal(t, "2026-04-01T00:00:00Z", r.URL.Query().Get("publishedAfter"))
			assert.Equal(t, "10", r.URL.Query().Get("maxResults"))
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{
					{
						"id": map[string]string{"kind": "youtube#video", "videoId": "vid1"},
						"snippet": map[string]interface{}{
							"channelId":    "UCchannel",
							"channelTitle": "Some Channel",
							"title":        "First video",
							"description":  "about things",
							"publishedAt":  "2026-04-02T10:00:00Z",
							"thumbnails": map[string]interface{}{
								"default": map[string]string{"url": "https://i.ytimg.com/vi/vid1/default.jpg"},
								"high":    map[string]string{"url": "https://i.ytimg.com/vi/vid1/hqdefault.jpg"},
							},
						},
					},
					{
						"id":      map[string]string{"kind": "youtube#channel", "channelId": "UCother"},
						"snippet": map[string]interface{}{"title": "not a video"},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/videos"):
			assert.Equal(t, "vid1", r.URL.Query().Get("id"))
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{
					{"id": "vid1", "contentDetails": map[string]string{"duration": "PT12M30S"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	meter := &recordingMeter{}
	items, err := client.FetchItems(context.Background(), service.FetchRequest{
		APIKey:         "test-key",
		Meter:          meter,
		SourceType:     models.SourceChannel,
		SourceID:       "UCchannel",
		MaxResults:     10,
		PublishedAfter: &after,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "vid1", item.ExternalID)
	assert.Equal(t, "Some Channel", item.ChannelName)
	assert.Equal(t, "First video", item.Title)
	assert.Equal(t, "https://i.ytimg.com/vi/vid1/hqdefault.jpg", item.ThumbnailURL)
	assert.Equal(t, 750, item.DurationSeconds)
	assert.True(t, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC).Equal(item.PublishedAt))

	require.Len(t, meter.calls, 2)
	assert.Equal(t, service.OpSearch, meter.calls[0].op)
	assert.Equal(t, service.OpVideos, meter.calls[1].op)
	assert.NoError(t, meter.calls[0].err)
}

func TestClient_FetchItems_PlaylistFiltersByWatermark(t *testing.T) {
	after := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/playlistItems"):
			assert.Equal(t, "PLlist", r.URL.Query().Get("playlistId"))
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{
					{
						"snippet": map[string]interface{}{
							"title":                  "New upload",
							"publishedAt":            "2026-04-03T08:00:00Z",
							"videoOwnerChannelId":    "UCowner",
							"videoOwnerChannelTitle": "Owner",
						},
						"contentDetails": map[string]string{"videoId": "new1", "videoPublishedAt": "2026-04-03T07:00:00Z"},
					},
					{
						"snippet":        map[string]interface{}{"title": "Old upload", "publishedAt": "2026-03-01T08:00:00Z"},
						"contentDetails": map[string]string{"videoId": "old1", "videoPublishedAt": "2026-03-01T07:00:00Z"},
					},
					{
						"snippet":        map[string]interface{}{"title": "Private video", "publishedAt": "2026-04-04T08:00:00Z"},
						"contentDetails": map[string]string{"videoId": "priv1"},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/videos"):
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{
					{"id": "new1", "contentDetails": map[string]string{"duration": "PT1H"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	meter := &recordingMeter{}
	items, err := client.FetchItems(context.Background(), service.FetchRequest{
		APIKey:         "test-key",
		Meter:          meter,
		SourceType:     models.SourcePlaylist,
		SourceID:       "PLlist",
		MaxResults:     50,
		PublishedAfter: &after,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new1", items[0].ExternalID)
	assert.Equal(t, "Owner", items[0].ChannelName)
	assert.Equal(t, 3600, items[0].DurationSeconds)
	require.Len(t, meter.calls, 2)
	assert.Equal(t, service.OpPlaylistItems, meter.calls[0].op)
}

func TestClient_FetchItems_QuotaExceeded(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusForbidden, map[string]interface{}{
			"error": map[string]interface{}{
				"code":    403,
				"message": "The request cannot be completed because you have exceeded your quota.",
				"errors": []map[string]string{
					{"domain": "youtube.quota", "reason": "quotaExceeded", "message": "quota"},
				},
			},
		})
	})

	meter := &recordingMeter{}
	_, err := client.FetchItems(context.Background(), service.FetchRequest{
		APIKey:     "test-key",
		Meter:      meter,
		SourceType: models.SourceChannel,
		SourceID:   "UCchannel",
		MaxResults: 10,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrQuotaExceeded)

	require.Len(t, meter.calls, 1)
	assert.ErrorIs(t, meter.calls[0].err, service.ErrQuotaExceeded, "meter sees the quota failure")
}

func TestClient_FetchDetails_Batches(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("id"), ",")
		mu.Lock()
		batchSizes = append(batchSizes, len(ids))
		mu.Unlock()

		items := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			items = append(items, map[string]interface{}{"id": id, "contentDetails": map[string]string{"duration": "PT1M"}})
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{"items": items})
	})

	ids := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		ids = append(ids, fmt.Sprintf("vid%02d", i))
	}

	meter := &recordingMeter{}
	details, err := client.FetchDetails(context.Background(), "test-key", meter, ids)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 10}, batchSizes)
	assert.Len(t, meter.calls, 2)
	for _, id := range ids {
		assert.Equal(t, 60, details[id].DurationSeconds)
	}
}

func TestClassifyError(t *testing.T) {
	quota := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}
	assert.ErrorIs(t, classifyError("search.list", quota), service.ErrQuotaExceeded)

	for _, reason := range []string{"rateLimitExceeded", "userRateLimitExceeded"} {
		throttled := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: reason}}}
		err := classifyError("search.list", throttled)
		assert.True(t, service.IsTransient(err), reason)
		assert.False(t, errors.Is(err, service.ErrQuotaExceeded), reason)
	}

	unavailable := &googleapi.Error{Code: 503, Message: "backend error"}
	assert.True(t, service.IsTransient(classifyError("videos.list", unavailable)))

	forbidden := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}
	err := classifyError("videos.list", forbidden)
	assert.False(t, service.IsTransient(err))
	assert.False(t, errors.Is(err, service.ErrQuotaExceeded))

	network := errors.New("dial tcp: connection refused")
	assert.True(t, service.IsTransient(classifyError("search.list", network)))

	assert.NoError(t, classifyError("search.list", nil))
}
