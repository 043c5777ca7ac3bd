// Package client is the Go client of the daemon's ChatService.
package client

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/referly/leadchat/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := api.Encode(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return err
	}
	return api.Decode(resp, out)
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	out := &api.StatusResponse{}
	return out, c.invoke(ctx, "Status", &api.Empty{}, out)
}

// Load asks the daemon to refresh the conversation list.
func (c *Client) Load(ctx context.Context) (*api.ConversationsResponse, error) {
	out := &api.ConversationsResponse{}
	return out, c.invoke(ctx, "Load", &api.Empty{}, out)
}

func (c *Client) ListConversations(ctx context.Context) (*api.ConversationsResponse, error) {
	out := &api.ConversationsResponse{}
	return out, c.invoke(ctx, "ListConversations", &api.Empty{}, out)
}

func (c *Client) Select(ctx context.Context, conversationID string) (*api.ConversationResponse, error) {
	out := &api.ConversationResponse{}
	return out, c.invoke(ctx, "Select", &api.ConversationRequest{ConversationID: conversationID}, out)
}

func (c *Client) Messages(ctx context.Context, conversationID string, limit int) (*api.MessagesResponse, error) {
	out := &api.MessagesResponse{}
	return out, c.invoke(ctx, "Messages", &api.MessagesRequest{ConversationID: conversationID, Limit: limit}, out)
}

func (c *Client) Send(ctx context.Context, req *api.SendRequest) (*api.MessageResponse, error) {
	out := &api.MessageResponse{}
	return out, c.invoke(ctx, "Send", req, out)
}

func (c *Client) Retry(ctx context.Context, conversationID, clientID string) (*api.MessageResponse, error) {
	out := &api.MessageResponse{}
	return out, c.invoke(ctx, "Retry", &api.MessageRequest{ConversationID: conversationID, ClientID: clientID}, out)
}

func (c *Client) Discard(ctx context.Context, conversationID, clientID string) error {
	return c.invoke(ctx, "Discard", &api.MessageRequest{ConversationID: conversationID, ClientID: clientID}, &api.Empty{})
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "MarkRead", &api.ConversationRequest{ConversationID: conversationID}, &api.Empty{})
}

func (c *Client) DismissNotice(ctx context.Context) error {
	return c.invoke(ctx, "DismissNotice", &api.Empty{}, &api.Empty{})
}

// Watch streams events until ctx is done. fn is called for every event;
// returning an error from it ends the stream with that error.
func (c *Client) Watch(ctx context.Context, req *api.WatchRequest, fn func(*api.EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("Watch"))
	if err != nil {
		return err
	}
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		evt := &api.EventEnvelope{}
		if err := api.Decode(msg, evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
