package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/referly/leadchat/internal/bus"
	"github.com/referly/leadchat/internal/chat"
	"github.com/referly/leadchat/internal/credential"
	"github.com/referly/leadchat/internal/model"
	"github.com/referly/leadchat/internal/msgstore"
	"github.com/referly/leadchat/internal/outbox"
	"github.com/referly/leadchat/internal/registry"
	"github.com/referly/leadchat/internal/status"
)

// Chat is the part of chat.Facade the service needs.
type Chat interface {
	Load(ctx context.Context) ([]model.Conversation, error)
	Conversations() []model.Conversation
	Conversation(id string) (model.Conversation, bool)
	ActiveConversation() string
	Messages(conversationID string) []model.Message
	ConnectionStatus() status.State
	SelectConversation(ctx context.Context, id string) error
	SendTo(ctx context.Context, conversationID, body string) (model.Message, error)
	SendAsyncTo(conversationID, body string) (model.Message, <-chan chat.SendResult, error)
	Retry(ctx context.Context, conversationID, clientID string) (model.Message, error)
	Discard(conversationID, clientID string) error
	MarkRead(ctx context.Context, id string) error
	Watch(namespace string, buffer int) (<-chan bus.Event, func())
	Notice() error
	DismissNotice()
}

// ChatService implements leadchat.v1.ChatService on top of the chat facade.
type ChatService struct {
	chat      Chat
	profile   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewChatService creates the service for profile.
func NewChatService(c Chat, profile string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{chat: c, profile: profile, startedAt: time.Now(), logger: logger}
}

func (s *ChatService) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	return &StatusResponse{
		Profile:            s.profile,
		ActiveConversation: s.chat.ActiveConversation(),
		Connection:         string(s.chat.ConnectionStatus()),
		Conversations:      len(s.chat.Conversations()),
		Notice:             noticeText(s.chat.Notice()),
		UptimeMs:           time.Since(s.startedAt).Milliseconds(),
	}, nil
}

// Load refreshes the list. A failed refresh is not an error for the
// caller: the stale list comes back with a notice.
func (s *ChatService) Load(ctx context.Context, _ *Empty) (*ConversationsResponse, error) {
	convs, err := s.chat.Load(ctx)
	if err != nil && !registry.IsListLoad(err) {
		return nil, toStatus(err)
	}
	return conversationsResponse(convs, noticeText(err)), nil
}

func (s *ChatService) ListConversations(_ context.Context, _ *Empty) (*ConversationsResponse, error) {
	return conversationsResponse(s.chat.Conversations(), noticeText(s.chat.Notice())), nil
}

func (s *ChatService) Select(ctx context.Context, req *ConversationRequest) (*ConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.chat.SelectConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	conv, _ := s.chat.Conversation(req.ConversationID)
	return &ConversationResponse{
		Conversation: conversationFromModel(conv),
		Connection:   string(s.chat.ConnectionStatus()),
	}, nil
}

func (s *ChatService) Messages(_ context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	id := req.ConversationID
	if id == "" {
		id = s.chat.ActiveConversation()
	}
	if id == "" {
		return nil, toStatus(chat.ErrNoActiveConversation)
	}
	msgs := s.chat.Messages(id)
	if req.Limit > 0 && len(msgs) > req.Limit {
		msgs = msgs[len(msgs)-req.Limit:]
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFromModel(m))
	}
	return &MessagesResponse{Messages: out}, nil
}

// Send delivers to req.ConversationID, or to the selected conversation when
// it is empty. A different conversation is selected first so it can send
// over its live transport; the body is bound to the target id either way.
func (s *ChatService) Send(ctx context.Context, req *SendRequest) (*MessageResponse, error) {
	id := req.ConversationID
	if id == "" {
		id = s.chat.ActiveConversation()
	}
	if id == "" {
		return nil, toStatus(chat.ErrNoActiveConversation)
	}
	if id != s.chat.ActiveConversation() {
		if err := s.chat.SelectConversation(ctx, id); err != nil {
			// Offline is fine, the send falls back to REST.
			s.logger.Warn("send to unconnected conversation",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}

	if req.Wait {
		m, err := s.chat.SendTo(ctx, id, req.Body)
		if err != nil {
			return nil, toStatus(err)
		}
		return &MessageResponse{Message: messageFromModel(m)}, nil
	}
	m, _, err := s.chat.SendAsyncTo(id, req.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: messageFromModel(m)}, nil
}

func (s *ChatService) Retry(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	m, err := s.chat.Retry(ctx, req.ConversationID, req.ClientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: messageFromModel(m)}, nil
}

func (s *ChatService) Discard(_ context.Context, req *MessageRequest) (*Empty, error) {
	if err := s.chat.Discard(req.ConversationID, req.ClientID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.chat.MarkRead(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatService) DismissNotice(_ context.Context, _ *Empty) (*Empty, error) {
	s.chat.DismissNotice()
	return &Empty{}, nil
}

// Watch streams bus events until the client goes away.
func (s *ChatService) Watch(req *WatchRequest, stream WatchStream) error {
	ch, unsub := s.chat.Watch(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env := envelope(evt)
			if req.ConversationID != "" && env.ConversationID != req.ConversationID {
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func envelope(evt bus.Event) *EventEnvelope {
	env := &EventEnvelope{
		EventID:          uuid.NewString(),
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		Kind:             evt.Kind,
		PayloadVersion:   1,
	}
	switch p := evt.Payload.(type) {
	case msgstore.Change:
		m := messageFromModel(p.Message)
		env.ConversationID = p.ConversationID
		env.Message = &m
	case model.Conversation:
		c := conversationFromModel(p)
		env.ConversationID = p.ID
		env.Conversation = &c
	case status.StatusChange:
		env.ConversationID = p.ConversationID
		env.Status = statusChangeFromModel(p)
	case string:
		if evt.Kind == bus.ConversationSelected {
			env.ConversationID = p
		} else {
			env.Text = p
		}
	}
	return env
}

func conversationsResponse(convs []model.Conversation, notice string) *ConversationsResponse {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationFromModel(c))
	}
	return &ConversationsResponse{Conversations: out, Notice: notice}
}

func noticeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// toStatus maps chat errors to gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case credential.IsMissing(err):
		code = codes.Unauthenticated
	case errors.Is(err, outbox.ErrEmptyBody):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrNotFailed), errors.Is(err, chat.ErrNoActiveConversation):
		code = codes.FailedPrecondition
	case outbox.IsSendFailed(err), registry.IsListLoad(err):
		code = codes.Unavailable
	case errors.Is(err, chat.ErrClosed):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
