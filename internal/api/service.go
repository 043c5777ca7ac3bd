// Package api exposes the chat facade over gRPC on the profile's Unix
// socket. Messages travel as google.protobuf.Struct values mapped to the
// Go types in this package through their JSON form.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "leadchat.v1.ChatService"

// ChatServer is the server side of leadchat.v1.ChatService.
type ChatServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Load(context.Context, *Empty) (*ConversationsResponse, error)
	ListConversations(context.Context, *Empty) (*ConversationsResponse, error)
	Select(context.Context, *ConversationRequest) (*ConversationResponse, error)
	Messages(context.Context, *MessagesRequest) (*MessagesResponse, error)
	Send(context.Context, *SendRequest) (*MessageResponse, error)
	Retry(context.Context, *MessageRequest) (*MessageResponse, error)
	Discard(context.Context, *MessageRequest) (*Empty, error)
	MarkRead(context.Context, *ConversationRequest) (*Empty, error)
	DismissNotice(context.Context, *Empty) (*Empty, error)
	Watch(*WatchRequest, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*EventEnvelope) error
	Context() context.Context
}

// ServiceDesc describes leadchat.v1.ChatService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ChatServer.Status),
		unary("Load", ChatServer.Load),
		unary("ListConversations", ChatServer.ListConversations),
		unary("Select", ChatServer.Select),
		unary("Messages", ChatServer.Messages),
		unary("Send", ChatServer.Send),
		unary("Retry", ChatServer.Retry),
		unary("Discard", ChatServer.Discard),
		unary("MarkRead", ChatServer.MarkRead),
		unary("DismissNotice", ChatServer.DismissNotice),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the gRPC method path of a ChatService method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Encode converts a Go value to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return s, nil
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := Decode(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := call(srv.(ChatServer), ctx, req)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := &WatchRequest{}
	if err := Decode(in, req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "Watch: %v", err)
	}
	return srv.(ChatServer).Watch(req, &watchStream{stream})
}

type watchStream struct {
	grpc.ServerStream
}

func (w *watchStream) Send(evt *EventEnvelope) error {
	out, err := Encode(evt)
	if err != nil {
		return err
	}
	return w.ServerStream.SendMsg(out)
}
