// Package rest is the request/response side of the platform API: snapshot
// loads, history pagination and member fetches, all gated by the per-route
// rate limiter.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"termchat/internal/apperr"
	"termchat/internal/gateway"
	"termchat/internal/model"
	"termchat/internal/store"
)

const (
	requestTimeout   = 30 * time.Second
	maxPageSize      = 100
	max429Retries    = 3
	defaultUserAgent = "termchat (https://termchat.dev, 0.1)"
)

type Client struct {
	http    *http.Client
	base    string
	token   string
	limiter *Limiter
}

func New(base, token string) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		base:    base,
		token:   token,
		limiter: NewLimiter(),
	}
}

// SetHTTPClient swaps the underlying client. Test hook.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

func (c *Client) do(ctx context.Context, method, route, path string, body, out interface{}) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx, route); err != nil {
			return apperr.Wrap(apperr.Transport, err, "rate limiter wait")
		}

		var rdr io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return apperr.Wrap(apperr.Decode, err, "encode request body")
			}
			rdr = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return apperr.Wrap(apperr.Transport, err, "build request")
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("User-Agent", defaultUserAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.Transport, err, method+" "+path)
		}

		c.recordBucket(route, resp)

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.limiter.Penalize(route, retryAfter)
			if attempt >= max429Retries {
				return apperr.RateLimitedFor(retryAfter)
			}
			jww.INFO.Printf("rest: rate limited on %s, retrying in %s", route, retryAfter)
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return apperr.Wrap(apperr.Transport, err, "rate limit wait")
			}
			continue
		}

		err = c.finish(resp, method, path, out)
		return err
	}
}

func (c *Client) finish(resp *http.Response, method, path string, out interface{}) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return apperr.Newf(apperr.Auth, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return apperr.Newf(apperr.Transport, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.Newf(apperr.Transport, "%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Decode, errors.WithStack(err), "decode response")
	}
	return nil
}

func (c *Client) recordBucket(route string, resp *http.Response) {
	limit, err1 := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	resetAfter, err3 := strconv.ParseFloat(resp.Header.Get("X-RateLimit-Reset-After"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	c.limiter.Update(route, limit, remaining, time.Duration(resetAfter*float64(time.Second)))
}

func parseRetryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

// Wire shapes for REST-only endpoints.

type wireUser struct {
	ID            model.Snowflake `json:"id"`
	Username      string          `json:"username"`
	Discriminator string          `json:"discriminator"`
	GlobalName    string          `json:"global_name"`
	Bot           bool            `json:"bot"`
}

func (w wireUser) user() model.User {
	return model.User{
		ID:            w.ID,
		Username:      w.Username,
		Discriminator: w.Discriminator,
		GlobalName:    w.GlobalName,
		Bot:           w.Bot,
	}
}

type wireGuild struct {
	ID   model.Snowflake `json:"id"`
	Name string          `json:"name"`
}

type wireChannel struct {
	ID            model.Snowflake   `json:"id"`
	GuildID       model.Snowflake   `json:"guild_id"`
	Type          model.ChannelType `json:"type"`
	Name          string            `json:"name"`
	Topic         string            `json:"topic"`
	Position      int               `json:"position"`
	ParentID      model.Snowflake   `json:"parent_id"`
	LastMessageID model.Snowflake   `json:"last_message_id"`
	Recipients    []wireUser        `json:"recipients"`
}

func (w wireChannel) channel(guildID model.Snowflake) model.Channel {
	c := model.Channel{
		ID:            w.ID,
		GuildID:       w.GuildID,
		Type:          w.Type,
		Name:          w.Name,
		Topic:         w.Topic,
		Position:      w.Position,
		ParentID:      w.ParentID,
		LastMessageID: w.LastMessageID,
	}
	if c.GuildID.IsZero() {
		c.GuildID = guildID
	}
	for _, r := range w.Recipients {
		c.RecipientIDs = append(c.RecipientIDs, r.ID)
	}
	return c
}

type wireMember struct {
	User     *wireUser         `json:"user"`
	Nick     string            `json:"nick"`
	Roles    []model.Snowflake `json:"roles"`
	JoinedAt time.Time         `json:"joined_at"`
}

// CurrentUser fetches the authenticated user; it doubles as the token check.
func (c *Client) CurrentUser(ctx context.Context) (model.User, error) {
	var w wireUser
	if err := c.do(ctx, http.MethodGet, "users/@me", "/users/@me", nil, &w); err != nil {
		return model.User{}, err
	}
	return w.user(), nil
}

func (c *Client) Guilds(ctx context.Context) ([]model.Guild, error) {
	var ws []wireGuild
	if err := c.do(ctx, http.MethodGet, "users/@me/guilds", "/users/@me/guilds", nil, &ws); err != nil {
		return nil, err
	}
	out := make([]model.Guild, 0, len(ws))
	for _, w := range ws {
		out = append(out, model.Guild{ID: w.ID, Name: w.Name})
	}
	return out, nil
}

func (c *Client) GuildChannels(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	route := fmt.Sprintf("guilds/%s/channels", guildID)
	var ws []wireChannel
	if err := c.do(ctx, http.MethodGet, route, "/guilds/"+guildID.String()+"/channels", nil, &ws); err != nil {
		return nil, err
	}
	out := make([]model.Channel, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.channel(guildID))
	}
	return out, nil
}

func (c *Client) DMChannels(ctx context.Context) ([]model.Channel, error) {
	var ws []wireChannel
	if err := c.do(ctx, http.MethodGet, "users/@me/channels", "/users/@me/channels", nil, &ws); err != nil {
		return nil, err
	}
	out := make([]model.Channel, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.channel(0))
	}
	return out, nil
}

// Messages fetches one history page relative to anchor. The result is sorted
// ascending by id regardless of the wire order.
func (c *Client) Messages(ctx context.Context, channelID, anchor model.Snowflake, dir store.Direction, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	route := fmt.Sprintf("channels/%s/messages", channelID)
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	if !anchor.IsZero() {
		switch dir {
		case store.Before:
			path += "&before=" + anchor.String()
		case store.After:
			path += "&after=" + anchor.String()
		case store.Around:
			path += "&around=" + anchor.String()
		}
	}

	var ws []gateway.WireMessage
	if err := c.do(ctx, http.MethodGet, route, path, nil, &ws); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Message())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type sendMessageRequest struct {
	Content   string                  `json:"content"`
	Nonce     string                  `json:"nonce,omitempty"`
	Reference *model.MessageReference `json:"message_reference,omitempty"`
}

// SendMessage posts content with a client nonce so the gateway echo can be
// reconciled with the optimistic pending copy.
func (c *Client) SendMessage(ctx context.Context, channelID model.Snowflake, content, nonce string, replyTo *model.Snowflake) (model.Message, error) {
	route := fmt.Sprintf("channels/%s/messages", channelID)
	req := sendMessageRequest{Content: content, Nonce: nonce}
	if replyTo != nil {
		req.Reference = &model.MessageReference{MessageID: *replyTo, ChannelID: channelID}
	}
	var w gateway.WireMessage
	if err := c.do(ctx, http.MethodPost, route, "/channels/"+channelID.String()+"/messages", req, &w); err != nil {
		return model.Message{}, err
	}
	m := w.Message()
	if m.Nonce == "" {
		m.Nonce = nonce
	}
	return m, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID model.Snowflake, content string) (model.Message, error) {
	route := fmt.Sprintf("channels/%s/messages", channelID)
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	var w gateway.WireMessage
	if err := c.do(ctx, http.MethodPatch, route, path, map[string]string{"content": content}, &w); err != nil {
		return model.Message{}, err
	}
	return w.Message(), nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID model.Snowflake) error {
	route := fmt.Sprintf("channels/%s/messages", channelID)
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.do(ctx, http.MethodDelete, route, path, nil, nil)
}

// AckMessage marks everything at or before messageID as read.
func (c *Client) AckMessage(ctx context.Context, channelID, messageID model.Snowflake) error {
	route := fmt.Sprintf("channels/%s/messages/ack", channelID)
	path := fmt.Sprintf("/channels/%s/messages/%s/ack", channelID, messageID)
	return c.do(ctx, http.MethodPost, route, path, map[string]interface{}{"token": nil}, nil)
}

// GuildMembers pages through a guild's member list.
func (c *Client) GuildMembers(ctx context.Context, guildID, after model.Snowflake, limit int) ([]model.Member, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	route := fmt.Sprintf("guilds/%s/members", guildID)
	path := fmt.Sprintf("/guilds/%s/members?limit=%d", guildID, limit)
	if !after.IsZero() {
		path += "&after=" + after.String()
	}
	var ws []wireMember
	if err := c.do(ctx, http.MethodGet, route, path, nil, &ws); err != nil {
		return nil, err
	}
	out := make([]model.Member, 0, len(ws))
	for _, w := range ws {
		if w.User == nil {
			continue
		}
		roles := w.Roles
		if roles == nil {
			roles = []model.Snowflake{}
		}
		out = append(out, model.Member{
			GuildID:  guildID,
			UserID:   w.User.ID,
			Nick:     w.Nick,
			RoleIDs:  roles,
			JoinedAt: w.JoinedAt,
		})
	}
	return out, nil
}

// Typing fires the typing indicator for the channel.
func (c *Client) Typing(ctx context.Context, channelID model.Snowflake) error {
	route := fmt.Sprintf("channels/%s/typing", channelID)
	return c.do(ctx, http.MethodPost, route, "/channels/"+channelID.String()+"/typing", nil, nil)
}
