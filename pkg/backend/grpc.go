package backend

import (
	"context"
	"encoding/base64"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quillhq/sessionstore/pkg/types"
)

// serviceName is the gRPC service name exposed by Server and dialed by
// Client. There is no .proto file behind this: the wire messages are
// protobuf well-known types (wrapperspb, structpb, emptypb), and the
// ServiceDesc below is registered by hand instead of generated by
// protoc, matching the RPC surface in spec.md §6's Backend list.
const serviceName = "sessionstore.backend.Backend"

// ServiceDesc is the hand-registered gRPC service descriptor for the
// Backend RPC surface, the remote-Backend analog of
// cuemby-warren/pkg/api's generated ServiceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "ReadBlob", Handler: readBlobHandler},
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "List", Handler: listHandler},
		{MethodName: "Exists", Handler: existsHandler},
		{MethodName: "AcquireLock", Handler: acquireLockHandler},
		{MethodName: "ReleaseLock", Handler: releaseLockHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "AppendStream", Handler: appendStreamHandler, ClientStreams: true},
	},
	Metadata: "sessionstore/backend.proto",
}

// backendServer is the interface grpc dispatches hand-registered method
// handlers against; Server below is the concrete implementation.
type backendServer interface {
	Read(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	ReadBlob(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Write(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Delete(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	List(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Exists(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	AcquireLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseLock(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AppendStream(grpc.ServerStream) error
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).Read(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func readBlobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).ReadBlob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ReadBlob"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).ReadBlob(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Write"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).Write(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).Delete(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/List"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).List(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func existsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).Exists(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Exists"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).Exists(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func acquireLockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).AcquireLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AcquireLock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).AcquireLock(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseLockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).ReleaseLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ReleaseLock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).ReleaseLock(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Health"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(backendServer).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func appendStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(backendServer).AppendStream(stream)
}

// Server exposes an existing Backend (typically Local) over gRPC so a
// remote process can reach it through Client.
type Server struct {
	backend Backend
}

// NewServer wraps backend for gRPC registration: grpcServer.RegisterService(&backend.ServiceDesc, backend.NewServer(b)).
func NewServer(b Backend) *Server {
	return &Server{backend: b}
}

func (s *Server) Read(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	data, err := s.backend.Read(ctx, req.GetValue())
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) ReadBlob(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	data, err := s.backend.ReadBlob(ctx, req.GetValue())
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) Write(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	key := req.Fields["key"].GetStringValue()
	data, err := decodeDataField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.Write(ctx, key, data); err != nil {
		return nil, toGRPCError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Delete(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.backend.Delete(ctx, req.GetValue()); err != nil {
		return nil, toGRPCError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) List(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	keys, err := s.backend.List(ctx, req.GetValue())
	if err != nil {
		return nil, toGRPCError(err)
	}
	vals := make([]*structpb.Value, len(keys))
	for i, k := range keys {
		vals[i] = structpb.NewStringValue(k)
	}
	return &structpb.ListValue{Values: vals}, nil
}

func (s *Server) Exists(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	ok, err := s.backend.Exists(ctx, req.GetValue())
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) AcquireLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.Fields["key"].GetStringValue()
	ttlSeconds := req.Fields["ttl_seconds"].GetNumberValue()
	lease, err := s.backend.AcquireLock(ctx, key, time.Duration(ttlSeconds*float64(time.Second)))
	if err != nil {
		return nil, toGRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"key":      lease.Key,
		"owner_id": lease.OwnerID,
		"expires":  lease.Expires.Format(time.RFC3339Nano),
	})
}

func (s *Server) ReleaseLock(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	expires, _ := time.Parse(time.RFC3339Nano, req.Fields["expires"].GetStringValue())
	lease := &Lease{
		Key:     req.Fields["key"].GetStringValue(),
		OwnerID: req.Fields["owner_id"].GetStringValue(),
		Expires: expires,
	}
	if err := s.backend.ReleaseLock(ctx, lease); err != nil {
		return nil, toGRPCError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	h, err := s.backend.Health(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"healthy":      h.Healthy,
		"backend_name": h.BackendName,
		"version":      h.Version,
	})
}

// AppendStream receives a client stream of structpb.Struct{key, chunk}
// messages (chunk is base64-encoded) and relays them to the wrapped
// Backend's AppendStream as it goes. The key travels on every message
// for framing simplicity, but only the first message's key is used.
func (s *Server) AppendStream(stream grpc.ServerStream) error {
	ctx := stream.Context()

	first := &structpb.Struct{}
	if err := stream.RecvMsg(first); err != nil {
		return status.Error(codes.InvalidArgument, "append_stream: no messages received")
	}
	key := first.Fields["key"].GetStringValue()
	if key == "" {
		return status.Error(codes.InvalidArgument, "append_stream: no key received")
	}
	firstChunk, err := decodeDataField(first)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ch := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.backend.AppendStream(ctx, key, ch)
	}()

	ch <- firstChunk
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			close(ch)
			break
		}
		chunk, err := decodeDataField(msg)
		if err != nil {
			close(ch)
			<-errCh
			return status.Error(codes.InvalidArgument, err.Error())
		}
		ch <- chunk
	}

	if err := <-errCh; err != nil {
		return toGRPCError(err)
	}
	return stream.SendMsg(&emptypb.Empty{})
}

func decodeDataField(s *structpb.Struct) ([]byte, error) {
	encoded := s.Fields["data"].GetStringValue()
	if encoded == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func encodeDataField(key string, data []byte) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"key":  key,
		"data": base64.StdEncoding.EncodeToString(data),
	})
}

func toGRPCError(err error) error {
	if se, ok := err.(*types.StoreError); ok {
		switch se.Kind {
		case types.KindNotFound:
			return status.Error(codes.NotFound, se.Error())
		case types.KindContention:
			return status.Error(codes.ResourceExhausted, se.Error())
		case types.KindCorruption:
			return status.Error(codes.DataLoss, se.Error())
		default:
			return status.Error(codes.Unavailable, se.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return types.NewError(types.KindNotFound, "", "", st.Message(), err)
	case codes.ResourceExhausted:
		return types.NewError(types.KindContention, "", "", st.Message(), err)
	case codes.DataLoss:
		return types.NewError(types.KindCorruption, "", "", st.Message(), err)
	default:
		return types.NewError(types.KindBackendUnavailable, "", "", st.Message(), err)
	}
}

// Client dials a remote Server and implements Backend over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn, which the caller has already dialed and
// configured with transport credentials, and returns a Backend
// implementation over it.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Read", wrapperspb.String(key), resp)
	if err != nil {
		return nil, fromGRPCError(err)
	}
	return resp.GetValue(), nil
}

func (c *Client) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	err := c.conn.Invoke(ctx, "/"+serviceName+"/ReadBlob", wrapperspb.String(key), resp)
	if err != nil {
		return nil, fromGRPCError(err)
	}
	return resp.GetValue(), nil
}

func (c *Client) Write(ctx context.Context, key string, data []byte) error {
	req, err := encodeDataField(key, data)
	if err != nil {
		return err
	}
	return fromGRPCError(c.conn.Invoke(ctx, "/"+serviceName+"/Write", req, &emptypb.Empty{}))
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return fromGRPCError(c.conn.Invoke(ctx, "/"+serviceName+"/Delete", wrapperspb.String(key), &emptypb.Empty{}))
}

func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	resp := &structpb.ListValue{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/List", wrapperspb.String(prefix), resp); err != nil {
		return nil, fromGRPCError(err)
	}
	keys := make([]string, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		keys[i] = v.GetStringValue()
	}
	return keys, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	resp := &wrapperspb.BoolValue{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Exists", wrapperspb.String(key), resp); err != nil {
		return false, fromGRPCError(err)
	}
	return resp.GetValue(), nil
}

func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"key":         key,
		"ttl_seconds": ttl.Seconds(),
	})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/AcquireLock", req, resp); err != nil {
		return nil, fromGRPCError(err)
	}
	expires, _ := time.Parse(time.RFC3339Nano, resp.Fields["expires"].GetStringValue())
	return &Lease{
		Key:     resp.Fields["key"].GetStringValue(),
		OwnerID: resp.Fields["owner_id"].GetStringValue(),
		Expires: expires,
	}, nil
}

func (c *Client) ReleaseLock(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"key":      lease.Key,
		"owner_id": lease.OwnerID,
		"expires":  lease.Expires.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return fromGRPCError(c.conn.Invoke(ctx, "/"+serviceName+"/ReleaseLock", req, &emptypb.Empty{}))
}

func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Health", &emptypb.Empty{}, resp); err != nil {
		return HealthStatus{}, fromGRPCError(err)
	}
	return HealthStatus{
		Healthy:     resp.Fields["healthy"].GetBoolValue(),
		BackendName: resp.Fields["backend_name"].GetStringValue(),
		Version:     resp.Fields["version"].GetStringValue(),
	}, nil
}

func (c *Client) AppendStream(ctx context.Context, key string, chunks <-chan []byte) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/AppendStream")
	if err != nil {
		return fromGRPCError(err)
	}
	for chunk := range chunks {
		msg, err := encodeDataField(key, chunk)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return fromGRPCError(err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return fromGRPCError(err)
	}
	return fromGRPCError(stream.RecvMsg(&emptypb.Empty{}))
}
