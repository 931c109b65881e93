package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/clipdigest-worker/internal/service"
)

const (
	GoogleTokenURL = "https://oauth2.googleapis.com/token"

	DefaultCompletionQuery = `subject:(ready OR completed) youtube`

	// upper bound on messages read per check
	maxMessagesPerCheck = 100
)

var (
	videoIDPattern = regexp.MustCompile(`(?:youtube\.com/(?:watch\?(?:[^\s"'<>]*&)?v=|shorts/|embed/|live/)|youtu\.be/)([A-Za-z0-9_-]{11})`)
	linkPattern    = regexp.MustCompile(`https://[^\s"'<>()\[\]]+`)
)

// Client reads completion notices from one mailbox with a long-lived refresh token
type Client struct {
	clientID     string
	clientSecret string
	refreshToken string
	query        string
	tokenURL     string
	endpoint     string
}

type Option func(*Client)

func WithQuery(query string) Option {
	return func(c *Client) {
		if query != "" {
			c.query = query
		}
	}
}

// WithEndpoint points the client at a different Gmail API root
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

func WithTokenURL(tokenURL string) Option {
	return func(c *Client) {
		c.tokenURL = tokenURL
	}
}

func NewClient(clientID, clientSecret, refreshToken string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		query:        DefaultCompletionQuery,
		tokenURL:     GoogleTokenURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newService(ctx context.Context) (*gmail.Service, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.tokenURL,
		},
		Scopes: []string{gmail.GmailReadonlyScope},
	}
	tokenSource := config.TokenSource(ctx, &oauth2.Token{RefreshToken: c.refreshToken})

	opts := []option.ClientOption{option.WithTokenSource(tokenSource)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	gmailService, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return gmailService, nil
}

// FetchCompletions returns completion notices received after since.
// Messages without a video link are skipped.
func (c *Client) FetchCompletions(ctx context.Context, since time.Time) ([]service.Completion, error) {
	gmailService, err := c.newService(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("%s after:%d", c.query, since.Unix())

	var messageIDs []string
	pageToken := ""
	for len(messageIDs) < maxMessagesPerCheck {
		listCall := gmailService.Users.Messages.List("me").Q(query).MaxResults(int64(maxMessagesPerCheck - len(messageIDs)))
		if pageToken != "" {
			listCall = listCall.PageToken(pageToken)
		}
		listResp, err := listCall.Context(ctx).Do()
		if err != nil {
			return nil, &service.TransientError{Op: "gmail messages.list", Err: err}
		}
		for _, msg := range listResp.Messages {
			messageIDs = append(messageIDs, msg.Id)
		}
		if listResp.NextPageToken == "" {
			break
		}
		pageToken = listResp.NextPageToken
	}

	log.Debug().Int("messages", len(messageIDs)).Str("query", query).Msg("Gmail API returned message ids")

	completions := make([]service.Completion, 0, len(messageIDs))
	for _, id := range messageIDs {
		fullMsg, err := gmailService.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			log.Warn().Err(err).Str("message", id).Msg("failed to get message")
			continue
		}

		completion, ok := parseCompletion(fullMsg)
		if !ok {
			log.Debug().Str("message", id).Msg("no video link in message, skipping")
			continue
		}
		completions = append(completions, completion)
	}
	return completions, nil
}

// parseCompletion pulls the video id and output link out of a completion mail
func parseCompletion(msg *gmail.Message) (service.Completion, bool) {
	completion := service.Completion{MessageID: msg.Id}
	if msg.InternalDate > 0 {
		completion.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}

	var subject string
	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Subject":
				subject = header.Value
			case "Date":
				if !completion.ReceivedAt.IsZero() {
					continue
				}
				parsedDate, err := parseEmailDate(header.Value)
				if err != nil {
					log.Warn().Err(err).Str("date", header.Value).Msg("failed to parse date")
				} else {
					completion.ReceivedAt = parsedDate
				}
			}
		}
	}

	var bodyText, bodyHTML string
	if msg.Payload != nil {
		bodyText, bodyHTML = extractBodies(msg.Payload)
	}
	text := strings.Join([]string{subject, bodyText, bodyHTML, msg.Snippet}, "\n")

	m := videoIDPattern.FindStringSubmatch(text)
	if m == nil {
		return completion, false
	}
	completion.ExternalID = m[1]
	completion.OutputRef = firstOutputLink(bodyText + "\n" + bodyHTML)
	return completion, true
}

// firstOutputLink returns the first https link that does not point at YouTube
func firstOutputLink(text string) string {
	for _, raw := range linkPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;:!?")
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if isYouTubeHost(u.Hostname()) {
			continue
		}
		return raw
	}
	return ""
}

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range []string{"youtube.com", "youtu.be", "ytimg.com"} {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// extractBodies extracts both text and HTML bodies from message payload
func extractBodies(payload *gmail.MessagePart) (string, string) {
	var textPlain, textHTML string

	if payload.Body != nil && payload.Body.Data != "" {
		decoded, err := decodeBody(payload.Body.Data)
		if err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = decoded
			case "text/html":
				textHTML = decoded
			}
		}
	}

	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)
	return textPlain, textHTML
}

func extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			decoded, err := decodeBody(part.Body.Data)
			if err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = decoded
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = decoded
				}
			}
		}

		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// Gmail sends base64url, sometimes without padding
func decodeBody(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Gmail sometimes appends the zone name, e.g. "(UTC)"
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
