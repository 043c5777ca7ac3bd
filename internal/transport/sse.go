package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/referly/leadchat/internal/wire"
)

// SSE dials {BaseURL}/leads/{id}/stream?token=... It is receive-only: sends
// go through the REST fallback.
type SSE struct {
	BaseURL string
	// Client must not carry a request timeout; the stream is long-lived.
	Client *resty.Client
}

func (s *SSE) Name() string { return "sse" }

func (s *SSE) Dial(ctx context.Context, conversationID, token string) (Stream, error) {
	u, err := endpoint(s.BaseURL, "leads", conversationID, "stream", token)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = resty.New()
	}

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetDoNotParseResponse(true).
		Get(u)
	if err != nil {
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() >= 300 {
		if body != nil {
			_ = body.Close()
		}
		return nil, fmt.Errorf("sse dial: status %d", resp.StatusCode())
	}
	return &sseStream{body: body, r: bufio.NewReader(body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Read returns the next complete event. Named events map to the frame type;
// unnamed events must carry a {type,data} envelope in their data.
func (s *sseStream) Read(ctx context.Context) (wire.Frame, error) {
	var eventType string
	var dataLines []string

	for {
		if err := ctx.Err(); err != nil {
			return wire.Frame{}, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return wire.Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) == 0 {
				eventType = ""
				continue
			}
			return sseFrame(eventType, strings.Join(dataLines, "\n"))
		}
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func sseFrame(eventType, data string) (wire.Frame, error) {
	if eventType == "" || eventType == "message" {
		var f wire.Frame
		if err := json.Unmarshal([]byte(data), &f); err == nil && f.Type != "" {
			return f, nil
		}
		eventType = wire.TypeMessage
	}
	return wire.Frame{Type: eventType, Data: json.RawMessage(data)}, nil
}

func (s *sseStream) Write(context.Context, wire.Frame) error {
	return ErrSendUnsupported
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
