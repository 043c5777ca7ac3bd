// Package leads is the client for the record service: the lead listing that
// seeds the conversation list, the REST send fallback and read receipts.
package leads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/credential"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/wire"
)

// Party is one side of a lead as the record service serializes it.
type Party struct {
	ID        wire.ID `json:"id"`
	Name      string  `json:"name,omitempty"`
	FirstName string  `json:"first_name,omitempty"`
	LastName  string  `json:"last_name,omitempty"`
	Company   string  `json:"company,omitempty"`
	Email     string  `json:"email,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
}

// Lead is a referral record. Its id is the conversation id.
type Lead struct {
	ID          wire.ID   `json:"id"`
	Details     string    `json:"details,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Business    Party     `json:"business"`
	Freelancer  Party     `json:"freelancer"`
}

// Counterpart returns the party opposite to role.
func (l Lead) Counterpart(role model.Role) Party {
	if role == model.RoleFreelancer {
		return l.Business
	}
	return l.Freelancer
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Body           string `json:"body"`
}

// APIError is a non-2xx response from the record service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("record service: status %d", e.StatusCode)
	}
	return fmt.Sprintf("record service: status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the record service over HTTPS.
type Client struct {
	http   *resty.Client
	creds  credential.Provider
	logger *zap.Logger
}

// NewClient creates a client for baseURL. The credential is read per request.
func NewClient(baseURL string, timeout time.Duration, creds credential.Provider, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("record service base URL cannot be empty")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	logger.Info("record service client configured", zap.String("base_url", baseURL))

	return &Client{http: httpClient, creds: creds, logger: logger}, nil
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.creds.Credential()
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token).SetError(&errorBody{}), nil
}

// ListLeads fetches the lead records visible to the local party.
func (c *Client) ListLeads(ctx context.Context) ([]Lead, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out []Lead
	resp, err := req.SetResult(&out).Get("/leads")
	if err != nil {
		c.logger.Warn("list leads request failed", zap.Error(err))
		return nil, fmt.Errorf("list leads: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("list leads", resp)
	}
	return out, nil
}

// SendMessage posts a message through the REST fallback. The response
// carries the server id and timestamp used to reconcile the pending entry.
func (c *Client) SendMessage(ctx context.Context, in SendRequest) (model.Message, error) {
	req, err := c.request(ctx)
	if err != nil {
		return model.Message{}, err
	}

	var out wire.Message
	resp, err := req.SetBody(in).SetResult(&out).Post("/messages")
	if err != nil {
		c.logger.Warn("send message request failed",
			zap.String("conversation_id", in.ConversationID),
			zap.String("client_id", in.ClientID),
			zap.Error(err))
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	if resp.IsError() {
		return model.Message{}, c.apiError("send message", resp)
	}
	if out.ID == "" {
		return model.Message{}, fmt.Errorf("send message: response has no id")
	}

	msg := out.ToModel(in.ConversationID)
	if msg.ClientID == "" {
		msg.ClientID = in.ClientID
	}
	return msg, nil
}

// MarkRead records server-side read state for a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetPathParam("id", conversationID).Post("/chats/{id}/read")
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if resp.IsError() {
		return c.apiError("mark read", resp)
	}
	return nil
}

// invalidator is implemented by credential providers that cache tokens.
type invalidator interface {
	Invalidate()
}

func (c *Client) apiError(op string, resp *resty.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if apiErr.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.creds.(invalidator); ok {
			inv.Invalidate()
		}
	}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	c.logger.Error("record service returned an error",
		zap.String("op", op),
		zap.Int("status", apiErr.StatusCode),
		zap.String("response_body", resp.String()))
	return fmt.Errorf("%s: %w", op, apiErr)
}
