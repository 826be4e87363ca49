package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client reads snapshots from a stream Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security; extra options are
// appended after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Latest fetches the current snapshot.
func (c *Client) Latest(ctx context.Context) (*ScanMessage, error) {
	out := new(ScanMessage)
	if err := c.conn.Invoke(ctx, latestMethod, &LatestRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watcher receives the messages of one Watch call.
type Watcher struct {
	stream grpc.ClientStream
}

// Watch opens a snapshot stream starting at minRevision.
func (c *Client) Watch(ctx context.Context, minRevision uint64) (*Watcher, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{MinRevision: minRevision}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream.
func (w *Watcher) Recv() (*ScanMessage, error) {
	m := new(ScanMessage)
	if err := w.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
