package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/banshee-data/sweeplidar/internal/lidar"
	"github.com/banshee-data/sweeplidar/internal/monitoring"
)

// DefaultMaxMsgSize fits a full variable-protocol snapshot many times over.
const DefaultMaxMsgSize = 4 * 1024 * 1024

// Config holds server settings.
type Config struct {
	ListenAddr string
	MaxMsgSize int
}

// Server publishes snapshots from a SnapshotSource to gRPC clients.
type Server struct {
	source lidar.SnapshotSource
	config Config

	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener

	running     atomic.Bool
	clientCount atomic.Int32
	wg          sync.WaitGroup
}

var _ ScanStreamServer = (*Server)(nil)

// NewServer creates a server and registers the ScanStream service on it.
func NewServer(source lidar.SnapshotSource, cfg Config) *Server {
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = DefaultMaxMsgSize
	}
	s := &Server{source: source, config: cfg}
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxMsgSize),
	)
	RegisterScanStreamServer(s.server, s)
	return s
}

// GRPCServer returns the underlying server so other services can share it.
func (s *Server) GRPCServer() *grpc.Server { return s.server }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("stream server already running")
	}
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	monitoring.Logf("[stream] gRPC server listening on %s", lis.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(lis); err != nil {
			monitoring.Logf("[stream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.running.Store(true)
	err := s.server.Serve(lis)
	if !s.running.Load() {
		return nil
	}
	return err
}

// Addr returns the address Start listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients returns the number of open Watch streams.
func (s *Server) Clients() int { return int(s.clientCount.Load()) }

// Stop closes the listener and cancels open streams.
func (s *Server) Stop() {
	s.running.Store(false)
	s.server.Stop()
	s.wg.Wait()
}

// Latest returns the current snapshot. Revision 0 means no frame has been
// decoded yet.
func (s *Server) Latest(ctx context.Context, req *LatestRequest) (*ScanMessage, error) {
	return newScanMessage(s.source.Latest()), nil
}

// Watch sends the current snapshot, if any, then every new one until the
// client goes away or the scan loop stops.
func (s *Server) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, ch := s.source.Subscribe()
	defer s.source.Unsubscribe(id)

	s.clientCount.Add(1)
	defer s.clientCount.Add(-1)
	monitoring.Logf("[stream] watch %s opened from revision %d", id, req.MinRevision)

	var sent uint64
	send := func(snap lidar.Snapshot) error {
		if snap.Revision == 0 || snap.Revision <= sent || snap.Revision < req.MinRevision {
			return nil
		}
		sent = snap.Revision
		return stream.SendMsg(newScanMessage(snap))
	}

	if err := send(s.source.Latest()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				monitoring.Logf("[stream] watch %s ended: scan loop stopped", id)
				return nil
			}
			if err := send(snap); err != nil {
				return err
			}
		}
	}
}
