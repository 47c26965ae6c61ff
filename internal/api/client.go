package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/convsync/internal/pairing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the Admin service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Conn exposes the underlying connection, e.g. for the health client.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

func (c *Client) invoke(ctx context.Context, method string, args map[string]any, reply any) error {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return err
	}
	return fromStruct(out, reply)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.invoke(ctx, methodGetStatus, nil, &r)
	return r, err
}

func (c *Client) Presence(ctx context.Context, userID string) (PresenceReply, error) {
	var r PresenceReply
	err := c.invoke(ctx, methodGetPresence, map[string]any{"userId": userID}, &r)
	return r, err
}

// Sessions lists live sessions, of one user or of everyone when userID is
// empty.
func (c *Client) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	var r SessionsReply
	err := c.invoke(ctx, methodListSessions, map[string]any{"userId": userID}, &r)
	return r.Sessions, err
}

// Calls returns one call, or every active call when callID is empty.
func (c *Client) Calls(ctx context.Context, callID string) (CallsReply, error) {
	var r CallsReply
	err := c.invoke(ctx, methodGetCall, map[string]any{"callId": callID}, &r)
	return r, err
}

func (c *Client) IssuePairingCode(ctx context.Context, userID string) (pairing.Code, error) {
	var r pairing.Code
	err := c.invoke(ctx, methodIssuePairingCode, map[string]any{"userId": userID}, &r)
	return r, err
}

// Watch streams bus events whose kind starts with prefix until ctx ends or
// fn returns an error. prefix may hold several comma-separated prefixes;
// empty streams everything.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(WatchedEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &AdminServiceDesc.Streams[0], fullMethod(methodWatchEvents))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt WatchedEvent
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
