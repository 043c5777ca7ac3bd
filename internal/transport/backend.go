package transport

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/referly/leadchat/internal/wire"
)

// Stream is one established socket for one conversation.
type Stream interface {
	// Read blocks until the next frame arrives or the stream fails.
	Read(ctx context.Context) (wire.Frame, error)
	// Write sends a frame. Backends that are receive-only return ErrSendUnsupported.
	Write(ctx context.Context, f wire.Frame) error
	Close() error
}

// Backend dials streams. The credential travels as a token query parameter
// because the server endpoints cannot read an Authorization header on upgrade.
type Backend interface {
	Name() string
	Dial(ctx context.Context, conversationID, token string) (Stream, error)
}

// endpoint builds base/<prefix>/<id>/<suffix>?token=<token>.
func endpoint(base, prefix, conversationID, suffix, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	u = u.JoinPath(prefix, conversationID, suffix)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Auto dials Primary and falls back to Fallback when the dial fails.
type Auto struct {
	Primary  Backend
	Fallback Backend
	Logger   *zap.Logger
}

func (a *Auto) Name() string { return "auto" }

func (a *Auto) Dial(ctx context.Context, conversationID, token string) (Stream, error) {
	s, err := a.Primary.Dial(ctx, conversationID, token)
	if err == nil {
		return s, nil
	}
	if ctx.Err() != nil || a.Fallback == nil {
		return nil, err
	}
	if a.Logger != nil {
		a.Logger.Warn("primary transport unavailable, falling back",
			zap.String("conversation_id", conversationID),
			zap.String("primary", a.Primary.Name()),
			zap.String("fallback", a.Fallback.Name()),
			zap.Error(err))
	}
	s, ferr := a.Fallback.Dial(ctx, conversationID, token)
	if ferr != nil {
		return nil, fmt.Errorf("%s: %w; %s: %w", a.Primary.Name(), err, a.Fallback.Name(), ferr)
	}
	return s, nil
}
