// Package rest is the client for the chat backend's HTTP API:
// conversation lists, cursor-paged message history, read receipts and
// message/chat management. It performs no retries; failures are
// classified (fetch / unauthenticated / not-found) and returned.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"chatlink/model"
	"chatlink/service/auth"
	"chatlink/tools/errs"
)

// Client talks to the chat REST API. After a 401 it refuses further
// calls until ResetAuth, leaving re-login to the embedding application.
type Client struct {
	http   *resty.Client
	tokens auth.TokenSource

	mu     sync.Mutex
	halted bool
}

func NewClient(baseURL string, timeout time.Duration, tokens auth.TokenSource) *Client {
	httpc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpc, tokens: tokens}
}

// ResetAuth clears the halted state after the application has renewed
// the credential.
func (c *Client) ResetAuth() {
	c.mu.Lock()
	c.halted = false
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	c.mu.Lock()
	halted := c.halted
	c.mu.Unlock()
	if halted {
		return nil, errs.Unauthenticated("client halted after 401")
	}

	req := c.http.R().SetContext(ctx)
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		req.SetAuthToken(tok)
	}
	return req, nil
}

// classify maps a completed response to the error taxonomy. nil for
// 2xx.
func (c *Client) classify(resp *resty.Response, op string) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusUnauthorized:
		c.mu.Lock()
		c.halted = true
		c.mu.Unlock()
		return errs.Unauthenticated(op)
	case resp.StatusCode() == http.StatusNotFound:
		return errs.NotFound(op)
	default:
		return errs.Fetch(fmt.Sprintf("%s: status %d", op, resp.StatusCode()))
	}
}

// Conversations returns the viewing user's conversation list, with the
// per-user unread count already projected for them.
func (c *Client) Conversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.ConversationSummary
	resp, err := req.SetResult(&out).Get("/api/chats/user/" + userID)
	if err != nil {
		return nil, errs.FetchWrap(err, "get conversations")
	}
	if err := c.classify(resp, "get conversations"); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Unread = out[i].UnreadCounts[userID]
	}
	return out, nil
}

// Messages returns one newest-first page. An empty lastMsgID asks for
// the most recent page; otherwise the page strictly older than that id.
func (c *Client) Messages(ctx context.Context, chatID, lastMsgID string, size int) ([]model.Message, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	req.SetQueryParam("size", strconv.Itoa(size))
	if lastMsgID != "" {
		req.SetQueryParam("lastMsgId", lastMsgID)
	}

	var out []model.Message
	resp, err := req.SetResult(&out).Get("/api/messages/chat/" + chatID)
	if err != nil {
		return nil, errs.FetchWrap(err, "get messages")
	}
	if err := c.classify(resp, "get messages"); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead acknowledges every unread message in the conversation for
// the reader.
func (c *Client) MarkRead(ctx context.Context, chatID, readerID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetBody(map[string]string{"readerId": readerID}).
		Put("/api/messages/" + chatID + "/read")
	if err != nil {
		return errs.FetchWrap(err, "mark read")
	}
	return c.classify(resp, "mark read")
}

// MessageUpdate is the editable slice of a message.
type MessageUpdate struct {
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
}

// EditMessage rewrites a message's content. NotFound when the server no
// longer knows the id.
func (c *Client) EditMessage(ctx context.Context, messageID string, update MessageUpdate) (*model.Message, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out model.Message
	resp, err := req.SetBody(update).SetResult(&out).Put("/api/messages/" + messageID)
	if err != nil {
		return nil, errs.FetchWrap(err, "edit message")
	}
	if err := c.classify(resp, "edit message"); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes a message. NotFound when the server no longer
// knows the id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Delete("/api/messages/" + messageID)
	if err != nil {
		return errs.FetchWrap(err, "delete message")
	}
	return c.classify(resp, "delete message")
}

// CreateChatRequest starts a new conversation, optionally with its
// first message.
type CreateChatRequest struct {
	Participants   []string   `json:"participants"`
	Type           model.Kind `json:"type"`
	GroupName      string     `json:"groupName,omitempty"`
	InitialMessage string     `json:"initialMessage,omitempty"`
}

// CreateChat creates a conversation and returns the server-confirmed
// summary.
func (c *Client) CreateChat(ctx context.Context, create CreateChatRequest) (*model.ConversationSummary, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out model.ConversationSummary
	resp, err := req.SetBody(create).SetResult(&out).Post("/api/chats")
	if err != nil {
		return nil, errs.FetchWrap(err, "create chat")
	}
	if err := c.classify(resp, "create chat"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatExists asks whether a conversation between exactly the given
// participants already exists; returns its id or "".
func (c *Client) ChatExists(ctx context.Context, participantIDs []string) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}

	var out string
	resp, err := req.SetBody(participantIDs).SetResult(&out).Post("/api/chats/isExisted")
	if err != nil {
		return "", errs.FetchWrap(err, "check chat exists")
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if err := c.classify(resp, "check chat exists"); err != nil {
		return "", err
	}
	return out, nil
}

// DeleteChat removes a conversation.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Delete("/api/chats/" + chatID)
	if err != nil {
		return errs.FetchWrap(err, "delete chat")
	}
	return c.classify(resp, "delete chat")
}

// Participants returns the member profiles of a conversation.
func (c *Client) Participants(ctx context.Context, chatID string) ([]model.Participant, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.Participant
	resp, err := req.SetResult(&out).Get("/api/chats/" + chatID + "/participants")
	if err != nil {
		return nil, errs.FetchWrap(err, "get participants")
	}
	if err := c.classify(resp, "get participants"); err != nil {
		return nil, err
	}
	return out, nil
}

// OnlineUsersCount returns how many of the given users are online, or
// the global online count when participantIDs is nil.
func (c *Client) OnlineUsersCount(ctx context.Context, participantIDs []string) (int, error) {
	req, err := c.request(ctx)
	if err != nil {
		return 0, err
	}

	var out int
	var resp *resty.Response
	if participantIDs == nil {
		resp, err = req.SetResult(&out).Get("/api/chats/online-users-count")
	} else {
		resp, err = req.SetBody(participantIDs).SetResult(&out).Post("/api/chats/online-users-count")
	}
	if err != nil {
		return 0, errs.FetchWrap(err, "online users count")
	}
	if err := c.classify(resp, "online users count"); err != nil {
		return 0, err
	}
	return out, nil
}

// UpdateStatus publishes the viewing user's own online flag. Own status
// goes through REST; the presence topic remains inbound-only.
func (c *Client) UpdateStatus(ctx context.Context, userID string, online bool) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Post("/users/" + userID + "/status/" + strconv.FormatBool(online))
	if err != nil {
		return errs.FetchWrap(err, "update status")
	}
	return c.classify(resp, "update status")
}
