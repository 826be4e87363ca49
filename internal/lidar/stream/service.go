package stream

import (
	"context"

	"google.golang.org/grpc"

	"github.com/banshee-data/sweeplidar/internal/lidar"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sweeplidar.ScanStream"

const (
	latestMethod = "/" + ServiceName + "/Latest"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// LatestRequest asks for the current snapshot.
type LatestRequest struct{}

// WatchRequest opens a snapshot stream. Snapshots older than MinRevision
// are not sent.
type WatchRequest struct {
	MinRevision uint64 `json:"min_revision,omitempty"`
}

// ScanMessage carries one snapshot and its summary.
type ScanMessage struct {
	Snapshot lidar.Snapshot `json:"snapshot"`
	Summary  lidar.Summary  `json:"summary"`
}

func newScanMessage(s lidar.Snapshot) *ScanMessage {
	return &ScanMessage{Snapshot: s, Summary: lidar.Summarize(s)}
}

// ScanStreamServer is the server API for the ScanStream service.
type ScanStreamServer interface {
	Latest(ctx context.Context, req *LatestRequest) (*ScanMessage, error)
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

// RegisterScanStreamServer registers srv on s.
func RegisterScanStreamServer(s grpc.ServiceRegistrar, srv ScanStreamServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScanStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sweeplidar/scan_stream",
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LatestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScanStreamServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScanStreamServer).Latest(ctx, req.(*LatestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ScanStreamServer).Watch(in, stream)
}
