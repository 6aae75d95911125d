// Package agentclient calls the external automated-agent service that
// produces reply bodies for inbound messages.
package agentclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// Client implements the worker.ReplyGenerator interface.
type Client struct {
	httpClient *resty.Client
	apiKey     string
}

// NewClient creates a Resty-backed client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		apiKey: apiKey,
	}
}

type replyRequest struct {
	ConversationID string         `json:"conversation_id"`
	Status         string         `json:"status"`
	Messages       []replyMessage `json:"messages"`
}

type replyMessage struct {
	Direction string `json:"direction"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

// GenerateReply calls the agent service with the recent history and
// returns the generated reply body.
func (c *Client) GenerateReply(ctx context.Context, conv *conversation.Conversation, history []conversation.Message) (string, error) {
	payload := replyRequest{
		ConversationID: conv.PublicID,
		Status:         string(conv.Status),
		Messages:       make([]replyMessage, 0, len(history)),
	}
	for _, msg := range history {
		payload.Messages = append(payload.Messages, replyMessage{
			Direction: string(msg.Direction),
			Sender:    string(msg.Sender),
			Body:      msg.Body,
		})
	}

	var result replyResponse
	request := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result)
	if c.apiKey != "" {
		request.SetHeader("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := request.Post("/v1/replies")
	if err != nil {
		return "", fmt.Errorf("agent api request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("agent api error: %s", resp.String())
	}
	if result.Reply == "" {
		return "", fmt.Errorf("agent api returned an empty reply")
	}
	return result.Reply, nil
}
