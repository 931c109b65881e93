package youtube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/service"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// maxIDsPerCall is the videos.list id limit
const maxIDsPerCall = 50

// quotaReasons exhaust the key until the daily reset
var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

// throttleReasons are short-lived per-second limits; the key stays usable
var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Client reads channel uploads and playlists from the YouTube Data API v3.
// Every API call is reported to the request's usage meter.
type Client struct {
	endpoint string
}

type Option func(*Client)

// WithEndpoint points the client at a different API root
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newService(ctx context.Context, apiKey string) (*youtube.Service, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}
	return svc, nil
}

// FetchItems lists items newer than req.PublishedAfter and fills their durations
func (c *Client) FetchItems(ctx context.Context, req service.FetchRequest) ([]service.FetchedItem, error) {
	svc, err := c.newService(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	var items []service.FetchedItem
	switch req.SourceType {
	case models.SourceChannel:
		items, err = c.searchChannel(ctx, svc, req)
	case models.SourcePlaylist:
		items, err = c.listPlaylist(ctx, svc, req)
	default:
		return nil, fmt.Errorf("unsupported source type %q", req.SourceType)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ExternalID)
	}
	details, err := c.videoDetails(ctx, svc, req.Meter, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		d, ok := details[items[i].ExternalID]
		if !ok {
			continue
		}
		items[i].DurationSeconds = d.DurationSeconds
		if items[i].ChannelName == "" {
			items[i].ChannelName = d.ChannelName
		}
		if items[i].ChannelID == "" {
			items[i].ChannelID = d.ChannelID
		}
	}
	return items, nil
}

// FetchDetails looks up videos by id
func (c *Client) FetchDetails(ctx context.Context, apiKey string, meter service.UsageMeter, externalIDs []string) (map[string]service.FetchedItem, error) {
	if len(externalIDs) == 0 {
		return map[string]service.FetchedItem{}, nil
	}
	svc, err := c.newService(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return c.videoDetails(ctx, svc, meter, externalIDs)
}

func (c *Client) searchChannel(ctx context.Context, svc *youtube.Service, req service.FetchRequest) ([]service.FetchedItem, error) {
	call := svc.Search.List([]string{"snippet"}).
		ChannelId(req.SourceID).
		Type("video").
		Order("date").
		MaxResults(int64(req.MaxResults))
	if req.PublishedAfter != nil {
		call = call.PublishedAfter(req.PublishedAfter.UTC().Format(time.RFC3339))
	}

	resp, err := call.Context(ctx).Do()
	err = c.record(ctx, req.Meter, service.OpSearch, "search.list", err)
	if err != nil {
		return nil, err
	}

	items := make([]service.FetchedItem, 0, len(resp.Items))
	for _, r := range resp.Items {
		if r.Id == nil || r.Id.VideoId == "" || r.Snippet == nil {
			continue
		}
		items = append(items, service.FetchedItem{
			ExternalID:   r.Id.VideoId,
			ChannelID:    r.Snippet.ChannelId,
			ChannelName:  r.Snippet.ChannelTitle,
			Title:        r.Snippet.Title,
			Description:  r.Snippet.Description,
			ThumbnailURL: bestThumbnail(r.Snippet.Thumbnails),
			PublishedAt:  parseTime(r.Snippet.PublishedAt),
		})
	}
	log.Debug().Str("channel", req.SourceID).Int("items", len(items)).Msg("search.list returned")
	return items, nil
}

func (c *Client) listPlaylist(ctx context.Context, svc *youtube.Service, req service.FetchRequest) ([]service.FetchedItem, error) {
	resp, err := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(req.SourceID).
		MaxResults(int64(req.MaxResults)).
		Context(ctx).
		Do()
	err = c.record(ctx, req.Meter, service.OpPlaylistItems, "playlistItems.list", err)
	if err != nil {
		return nil, err
	}

	items := make([]service.FetchedItem, 0, len(resp.Items))
	for _, p := range resp.Items {
		if p.Snippet == nil || p.ContentDetails == nil || p.ContentDetails.VideoId == "" {
			continue
		}
		// private and deleted entries carry no publish time
		if p.ContentDetails.VideoPublishedAt == "" {
			continue
		}
		added := parseTime(p.Snippet.PublishedAt)
		if req.PublishedAfter != nil && !added.After(*req.PublishedAfter) {
			continue
		}
		items = append(items, service.FetchedItem{
			ExternalID:   p.ContentDetails.VideoId,
			ChannelID:    p.Snippet.VideoOwnerChannelId,
			ChannelName:  p.Snippet.VideoOwnerChannelTitle,
			Title:        p.Snippet.Title,
			Description:  p.Snippet.Description,
			ThumbnailURL: bestThumbnail(p.Snippet.Thumbnails),
			PublishedAt:  parseTime(p.ContentDetails.VideoPublishedAt),
		})
	}
	log.Debug().Str("playlist", req.SourceID).Int("items", len(items)).Msg("playlistItems.list returned")
	return items, nil
}

func (c *Client) videoDetails(ctx context.Context, svc *youtube.Service, meter service.UsageMeter, ids []string) (map[string]service.FetchedItem, error) {
	details := make(map[string]service.FetchedItem, len(ids))
	for start := 0; start < len(ids); start += maxIDsPerCall {
		end := start + maxIDsPerCall
		if end > len(ids) {
			end = len(ids)
		}

		resp, err := svc.Videos.List([]string{"snippet", "contentDetails"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		err = c.record(ctx, meter, service.OpVideos, "videos.list", err)
		if err != nil {
			return nil, err
		}

		for _, v := range resp.Items {
			item := service.FetchedItem{ExternalID: v.Id}
			if v.Snippet != nil {
				item.ChannelID = v.Snippet.ChannelId
				item.ChannelName = v.Snippet.ChannelTitle
				item.Title = v.Snippet.Title
				item.Description = v.Snippet.Description
				item.ThumbnailURL = bestThumbnail(v.Snippet.Thumbnails)
				item.PublishedAt = parseTime(v.Snippet.PublishedAt)
			}
			if v.ContentDetails != nil {
				seconds, err := ParseDuration(v.ContentDetails.Duration)
				if err != nil {
					log.Warn().Err(err).Str("video", v.Id).Msg("unparseable duration")
				}
				item.DurationSeconds = seconds
			}
			details[v.Id] = item
		}
	}
	return details, nil
}

// record classifies a call error and reports the call to the meter
func (c *Client) record(ctx context.Context, meter service.UsageMeter, op service.OperationKind, endpoint string, callErr error) error {
	err := classifyError(endpoint, callErr)
	if meter != nil {
		if merr := meter.Record(ctx, op, endpoint, err); merr != nil {
			log.Warn().Err(merr).Str("endpoint", endpoint).Msg("failed to record credential usage")
		}
	}
	return err
}

// classifyError maps API failures onto the service error taxonomy
func classifyError(endpoint string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if quotaReasons[item.Reason] {
				return fmt.Errorf("%s: %s: %w", endpoint, item.Reason, service.ErrQuotaExceeded)
			}
			if throttleReasons[item.Reason] {
				return &service.TransientError{Op: endpoint, Err: err}
			}
		}
		if gerr.Code == 429 || gerr.Code >= 500 {
			return &service.TransientError{Op: endpoint, Err: err}
		}
		return fmt.Errorf("%s: %w", endpoint, err)
	}

	return &service.TransientError{Op: endpoint, Err: err}
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*youtube.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
