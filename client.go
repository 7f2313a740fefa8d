// Package desklink is the decentralized communication client used by the
// DeskLink office-automation front end. It keeps a local channel/message
// store synchronized with the remote real-time service, queues mutations
// while offline and replays them on reconnect, and provisions the role-based
// channel topology for an organization's reporting hierarchy.
//
// Example:
//
//	client := desklink.NewClient("dl-token-...", desklink.WithBaseURL("https://desk.example.edu"))
//	store, _ := desklink.OpenStore("/var/lib/desklink", logger)
//	m, _ := desklink.NewMessenger(desklink.MessengerConfig{
//		UserID: "u-42", Client: client, Store: store,
//	})
//	m.SendMessage(ctx, "chan-1", "hello", desklink.KindText)
package desklink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://desk.desklink.io"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the DeskLink REST surface. Every operation is a
// request/response pair over the same base endpoint, authenticated via a
// bearer credential.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Channels      *ChannelsClient
	Messages      *MessagesClient
	Threads       *ThreadsClient
	Signatures    *SignaturesClient
	Polls         *PollsClient
	Notifications *NotificationsClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a DeskLink API client. token may be "" and set later via
// SetToken (e.g. after reading it from the Store).
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Channels = &ChannelsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Threads = &ThreadsClient{c: c}
	c.Signatures = &SignaturesClient{c: c}
	c.Polls = &PollsClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken sets or replaces the bearer credential.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// Do issues a request and decodes the standard result envelope. Used both by
// the typed sub-clients and by offline replay, which re-issues recorded
// method/path/body triples verbatim.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// DoRaw is Do for a pre-marshaled body.
func (c *Client) DoRaw(ctx context.Context, method, path string, body json.RawMessage) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// Search runs a server-side message search.
func (c *Client) Search(ctx context.Context, query string, limit int) (*Result, error) {
	q := map[string]string{"q": query}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	return c.Do(ctx, "GET", "/api/chat/search", nil, q)
}

// Summarize requests an AI-generated summary for a channel.
func (c *Client) Summarize(ctx context.Context, channelID string) (*Result, error) {
	return c.Do(ctx, "POST", "/api/chat/channels/"+channelID+"/summary", nil, nil)
}

func paginationQuery(limit, offset int) map[string]string {
	q := map[string]string{}
	if limit > 0 {
		q["limit"] = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		q["offset"] = fmt.Sprintf("%d", offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Sub-clients
// ============================================================================

// ChannelsClient handles channel resources.
type ChannelsClient struct{ c *Client }

func (ch *ChannelsClient) Create(ctx context.Context, channel *Channel) (*Result, error) {
	return ch.c.Do(ctx, "POST", "/api/chat/channels", channel, nil)
}

func (ch *ChannelsClient) List(ctx context.Context, userID string) (*Result, error) {
	var q map[string]string
	if userID != "" {
		q = map[string]string{"userId": userID}
	}
	return ch.c.Do(ctx, "GET", "/api/chat/channels", nil, q)
}

func (ch *ChannelsClient) Join(ctx context.Context, channelID, userID string) (*Result, error) {
	return ch.c.Do(ctx, "POST", "/api/chat/channels/"+channelID+"/members",
		map[string]string{"userId": userID}, nil)
}

// MessagesClient handles message resources.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Create(ctx context.Context, msg *Message) (*Result, error) {
	return m.c.Do(ctx, "POST", "/api/chat/channels/"+msg.ChannelID+"/messages", msg, nil)
}

func (m *MessagesClient) List(ctx context.Context, channelID string, limit, offset int) (*Result, error) {
	return m.c.Do(ctx, "GET", "/api/chat/channels/"+channelID+"/messages", nil, paginationQuery(limit, offset))
}

func (m *MessagesClient) Update(ctx context.Context, channelID, messageID, content string) (*Result, error) {
	return m.c.Do(ctx, "PATCH", "/api/chat/channels/"+channelID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
}

func (m *MessagesClient) Delete(ctx context.Context, channelID, messageID string) (*Result, error) {
	return m.c.Do(ctx, "DELETE", "/api/chat/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

func (m *MessagesClient) MarkRead(ctx context.Context, channelID, userID string) (*Result, error) {
	return m.c.Do(ctx, "POST", "/api/chat/channels/"+channelID+"/read",
		map[string]string{"userId": userID}, nil)
}

// ThreadsClient handles message threads.
type ThreadsClient struct{ c *Client }

func (t *ThreadsClient) Replies(ctx context.Context, channelID, messageID string, limit, offset int) (*Result, error) {
	return t.c.Do(ctx, "GET", "/api/chat/channels/"+channelID+"/messages/"+messageID+"/thread",
		nil, paginationQuery(limit, offset))
}

// SignaturesClient handles signature requests.
type SignaturesClient struct{ c *Client }

func (sg *SignaturesClient) Create(ctx context.Context, req *SignatureRequest) (*Result, error) {
	return sg.c.Do(ctx, "POST", "/api/chat/signatures", req, nil)
}

func (sg *SignaturesClient) Get(ctx context.Context, id string) (*Result, error) {
	return sg.c.Do(ctx, "GET", "/api/chat/signatures/"+id, nil, nil)
}

// PollsClient handles polls.
type PollsClient struct{ c *Client }

func (p *PollsClient) Create(ctx context.Context, poll *Poll) (*Result, error) {
	return p.c.Do(ctx, "POST", "/api/chat/polls", poll, nil)
}

func (p *PollsClient) Vote(ctx context.Context, pollID, optionID, userID string) (*Result, error) {
	return p.c.Do(ctx, "POST", "/api/chat/polls/"+pollID+"/votes",
		map[string]string{"optionId": optionID, "userId": userID}, nil)
}

// NotificationsClient handles notification resources.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, limit, offset int) (*Result, error) {
	return n.c.Do(ctx, "GET", "/api/chat/notifications", nil, paginationQuery(limit, offset))
}
