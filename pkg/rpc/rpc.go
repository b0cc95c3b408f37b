// Package rpc hand-registers a gRPC ServiceDesc exposing the
// SessionStore facade (SessionEngine + ExternalReconciler) that
// cmd/sessionstored serves and cmd/sessionctl dials, per spec.md §6's
// external interface list. Like pkg/backend's GRPC pair, there is no
// .proto file: requests and responses are small JSON envelopes carried
// inside a single wrapperspb.StringValue, since the facade has more
// field variety per method than a structpb.Struct is worth hand-coding
// for eighteen times over.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/engine"
	"github.com/quillhq/sessionstore/pkg/events"
	"github.com/quillhq/sessionstore/pkg/reconciler"
	"github.com/quillhq/sessionstore/pkg/types"
)

const serviceName = "sessionstore.rpc.SessionStore"

// ServiceDesc is the hand-registered gRPC service descriptor for the
// SessionStore facade.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "CreateSession", Handler: createSessionHandler},
		{MethodName: "GetSession", Handler: getSessionHandler},
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
		{MethodName: "SetSourcePath", Handler: setSourcePathHandler},
		{MethodName: "AppendPatch", Handler: appendPatchHandler},
		{MethodName: "Undo", Handler: undoHandler},
		{MethodName: "Redo", Handler: redoHandler},
		{MethodName: "JumpTo", Handler: jumpToHandler},
		{MethodName: "History", Handler: historyHandler},
		{MethodName: "Compact", Handler: compactHandler},
		{MethodName: "CheckForChanges", Handler: checkForChangesHandler},
		{MethodName: "Sync", Handler: syncHandler},
		{MethodName: "Acknowledge", Handler: acknowledgeHandler},
		{MethodName: "GetSourceMetadata", Handler: getSourceMetadataHandler},
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchChanges", Handler: watchChangesHandler, ServerStreams: true},
	},
	Metadata: "sessionstore/rpc.proto",
}

// sessionServer is the interface grpc dispatches hand-registered method
// handlers against; Server below is the concrete implementation.
type sessionServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*SessionResponse, error)
	CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error)
	GetSession(context.Context, *SessionRequest) (*DocumentResponse, error)
	ListSessions(context.Context, *TenantRequest) (*ListSessionsResponse, error)
	CloseSession(context.Context, *SessionRequest) (*Ack, error)
	SetSourcePath(context.Context, *SetSourcePathRequest) (*Ack, error)
	AppendPatch(context.Context, *AppendPatchRequest) (*DocumentResponse, error)
	Undo(context.Context, *CursorRequest) (*CursorResponse, error)
	Redo(context.Context, *CursorRequest) (*CursorResponse, error)
	JumpTo(context.Context, *JumpToRequest) (*CursorResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	Compact(context.Context, *CompactRequest) (*Ack, error)
	CheckForChanges(context.Context, *SessionRequest) (*PendingChangeResponse, error)
	Sync(context.Context, *SyncRequest) (*DocumentResponse, error)
	Acknowledge(context.Context, *SessionRequest) (*Ack, error)
	GetSourceMetadata(context.Context, *SessionRequest) (*SourceMetadataResponse, error)
	HealthCheck(context.Context, *Ack) (*HealthResponse, error)
	WatchChanges(*TenantRequest, grpc.ServerStream) error
}

// --- wire envelopes ---

type OpenSessionRequest struct {
	TenantID  string                  `json:"tenant_id"`
	SessionID string                  `json:"session_id"`
	Initial   []byte                  `json:"initial,omitempty"`
	Source    *types.SourceDescriptor `json:"source,omitempty"`
}

type CreateSessionRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	Session types.Session `json:"session"`
}

type SessionRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
}

type DocumentResponse struct {
	Document types.Document `json:"document"`
}

type TenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type ListSessionsResponse struct {
	Sessions []types.IndexEntry `json:"sessions"`
}

type SetSourcePathRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

type AppendPatchRequest struct {
	TenantID        string `json:"tenant_id"`
	SessionID       string `json:"session_id"`
	Patch           []byte `json:"patch"`
	CurrentDocument []byte `json:"current_document"`
}

type CursorRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Steps     uint64 `json:"steps"`
}

type CursorResponse struct {
	Result types.CursorResult `json:"result"`
}

type JumpToRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Position  uint64 `json:"position"`
}

type HistoryRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Offset    uint64 `json:"offset"`
	Limit     int    `json:"limit"`
}

type HistoryResponse struct {
	Entries []types.WalEntry `json:"entries"`
	HasMore bool             `json:"has_more"`
}

type CompactRequest struct {
	TenantID    string `json:"tenant_id"`
	SessionID   string `json:"session_id"`
	DiscardRedo bool   `json:"discard_redo"`
}

type SyncRequest struct {
	TenantID    string `json:"tenant_id"`
	SessionID   string `json:"session_id"`
	SourceBytes []byte `json:"source_bytes"`
	SourcePath  string `json:"source_path"`
}

type PendingChangeResponse struct {
	Change *types.PendingExternalChange `json:"change,omitempty"`
}

type SourceMetadataResponse struct {
	Metadata types.SourceMetadata `json:"metadata"`
}

type HealthResponse struct {
	Status backend.HealthStatus `json:"status"`
}

// Ack is the empty request/response envelope used by calls that carry
// no other payload (HealthCheck) or no meaningful return (CloseSession,
// SetSourcePath, Compact, Acknowledge).
type Ack struct {
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// --- decode helper shared by every unary handler ---

func decodeEnvelope(dec func(interface{}) error, out interface{}) error {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return err
	}
	if in.GetValue() == "" {
		return nil
	}
	return json.Unmarshal([]byte(in.GetValue()), out)
}

func encodeEnvelope(v interface{}) (*wrapperspb.StringValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(string(data)), nil
}

func unaryHandler(method string, newReq func() interface{}, call func(context.Context, interface{}) (interface{}, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := newReq()
		if err := decodeEnvelope(dec, req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if interceptor == nil {
			resp, err := call(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeEnvelope(resp)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			resp, err := call(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeEnvelope(resp)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func openSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("OpenSession", func() interface{} { return new(OpenSessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).OpenSession(ctx, req.(*OpenSessionRequest))
		})(srv, ctx, dec, interceptor)
}

func createSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("CreateSession", func() interface{} { return new(CreateSessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).CreateSession(ctx, req.(*CreateSessionRequest))
		})(srv, ctx, dec, interceptor)
}

func getSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("GetSession", func() interface{} { return new(SessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).GetSession(ctx, req.(*SessionRequest))
		})(srv, ctx, dec, interceptor)
}

func listSessionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("ListSessions", func() interface{} { return new(TenantRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).ListSessions(ctx, req.(*TenantRequest))
		})(srv, ctx, dec, interceptor)
}

func closeSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("CloseSession", func() interface{} { return new(SessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).CloseSession(ctx, req.(*SessionRequest))
		})(srv, ctx, dec, interceptor)
}

func setSourcePathHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("SetSourcePath", func() interface{} { return new(SetSourcePathRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).SetSourcePath(ctx, req.(*SetSourcePathRequest))
		})(srv, ctx, dec, interceptor)
}

func appendPatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("AppendPatch", func() interface{} { return new(AppendPatchRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).AppendPatch(ctx, req.(*AppendPatchRequest))
		})(srv, ctx, dec, interceptor)
}

func undoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("Undo", func() interface{} { return new(CursorRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).Undo(ctx, req.(*CursorRequest))
		})(srv, ctx, dec, interceptor)
}

func redoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("Redo", func() interface{} { return new(CursorRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).Redo(ctx, req.(*CursorRequest))
		})(srv, ctx, dec, interceptor)
}

func jumpToHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("JumpTo", func() interface{} { return new(JumpToRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).JumpTo(ctx, req.(*JumpToRequest))
		})(srv, ctx, dec, interceptor)
}

func historyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("History", func() interface{} { return new(HistoryRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).History(ctx, req.(*HistoryRequest))
		})(srv, ctx, dec, interceptor)
}

func compactHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("Compact", func() interface{} { return new(CompactRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).Compact(ctx, req.(*CompactRequest))
		})(srv, ctx, dec, interceptor)
}

func checkForChangesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("CheckForChanges", func() interface{} { return new(SessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).CheckForChanges(ctx, req.(*SessionRequest))
		})(srv, ctx, dec, interceptor)
}

func syncHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("Sync", func() interface{} { return new(SyncRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).Sync(ctx, req.(*SyncRequest))
		})(srv, ctx, dec, interceptor)
}

func acknowledgeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("Acknowledge", func() interface{} { return new(SessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).Acknowledge(ctx, req.(*SessionRequest))
		})(srv, ctx, dec, interceptor)
}

func getSourceMetadataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("GetSourceMetadata", func() interface{} { return new(SessionRequest) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).GetSourceMetadata(ctx, req.(*SessionRequest))
		})(srv, ctx, dec, interceptor)
}

func healthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryHandler("HealthCheck", func() interface{} { return new(Ack) },
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(sessionServer).HealthCheck(ctx, req.(*Ack))
		})(srv, ctx, dec, interceptor)
}

func watchChangesHandler(srv interface{}, stream grpc.ServerStream) error {
	env := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(env); err != nil {
		return status.Error(codes.InvalidArgument, "watch_changes: no request received")
	}
	req := new(TenantRequest)
	if env.GetValue() != "" {
		if err := json.Unmarshal([]byte(env.GetValue()), req); err != nil {
			return status.Error(codes.InvalidArgument, "watch_changes: "+err.Error())
		}
	}
	return srv.(sessionServer).WatchChanges(req, stream)
}

// Server wires a sessionServer implementation over an Engine,
// Reconciler and event Broker.
type Server struct {
	engine        *engine.Engine
	reconciler    *reconciler.Reconciler
	broker        *events.Broker
	backendHealth backend.Backend
}

// NewServer builds the facade server. grpcServer.RegisterService(&rpc.ServiceDesc, rpc.NewServer(...)).
func NewServer(eng *engine.Engine, rec *reconciler.Reconciler, broker *events.Broker, b backend.Backend) *Server {
	return &Server{engine: eng, reconciler: rec, broker: broker, backendHealth: b}
}

func (s *Server) OpenSession(ctx context.Context, req *OpenSessionRequest) (*SessionResponse, error) {
	session, err := s.engine.OpenFromBytes(ctx, req.TenantID, req.SessionID, req.Initial, req.Source)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &SessionResponse{Session: session}, nil
}

func (s *Server) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionResponse, error) {
	session, err := s.engine.CreateEmpty(ctx, req.TenantID, req.SessionID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &SessionResponse{Session: session}, nil
}

func (s *Server) GetSession(ctx context.Context, req *SessionRequest) (*DocumentResponse, error) {
	doc, err := s.engine.Get(ctx, req.TenantID, req.SessionID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &DocumentResponse{Document: doc}, nil
}

func (s *Server) ListSessions(ctx context.Context, req *TenantRequest) (*ListSessionsResponse, error) {
	entries, err := s.engine.List(ctx, req.TenantID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &ListSessionsResponse{Sessions: entries}, nil
}

func (s *Server) CloseSession(ctx context.Context, req *SessionRequest) (*Ack, error) {
	if err := s.engine.Close(ctx, req.TenantID, req.SessionID); err != nil {
		return nil, toGRPCError(err)
	}
	return &Ack{}, nil
}

func (s *Server) SetSourcePath(ctx context.Context, req *SetSourcePathRequest) (*Ack, error) {
	if err := s.engine.SetSourcePath(ctx, req.TenantID, req.SessionID, req.Path); err != nil {
		return nil, toGRPCError(err)
	}
	return &Ack{}, nil
}

func (s *Server) AppendPatch(ctx context.Context, req *AppendPatchRequest) (*DocumentResponse, error) {
	doc, err := s.engine.AppendPatch(ctx, req.TenantID, req.SessionID, req.Patch, req.CurrentDocument)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventSessionPatched, Message: fmt.Sprintf("patch applied: %s/%s", req.TenantID, req.SessionID)})
	}
	return &DocumentResponse{Document: doc}, nil
}

func (s *Server) Undo(ctx context.Context, req *CursorRequest) (*CursorResponse, error) {
	result, err := s.engine.Undo(ctx, req.TenantID, req.SessionID, req.Steps)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &CursorResponse{Result: result}, nil
}

func (s *Server) Redo(ctx context.Context, req *CursorRequest) (*CursorResponse, error) {
	result, err := s.engine.Redo(ctx, req.TenantID, req.SessionID, req.Steps)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &CursorResponse{Result: result}, nil
}

func (s *Server) JumpTo(ctx context.Context, req *JumpToRequest) (*CursorResponse, error) {
	result, err := s.engine.JumpTo(ctx, req.TenantID, req.SessionID, req.Position)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &CursorResponse{Result: result}, nil
}

func (s *Server) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	entries, hasMore, err := s.engine.History(ctx, req.TenantID, req.SessionID, req.Offset, req.Limit)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &HistoryResponse{Entries: entries, HasMore: hasMore}, nil
}

func (s *Server) Compact(ctx context.Context, req *CompactRequest) (*Ack, error) {
	if err := s.engine.Compact(ctx, req.TenantID, req.SessionID, req.DiscardRedo); err != nil {
		return nil, toGRPCError(err)
	}
	return &Ack{}, nil
}

func (s *Server) CheckForChanges(ctx context.Context, req *SessionRequest) (*PendingChangeResponse, error) {
	fetchSource := func(ctx context.Context) ([]byte, error) {
		return fetchSourceBytes(ctx, s.engine, req.TenantID, req.SessionID)
	}
	change, err := s.reconciler.CheckForChanges(ctx, req.TenantID, req.SessionID, fetchSource)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &PendingChangeResponse{Change: change}, nil
}

func (s *Server) Sync(ctx context.Context, req *SyncRequest) (*DocumentResponse, error) {
	doc, err := s.reconciler.Sync(ctx, req.TenantID, req.SessionID, req.SourceBytes, req.SourcePath)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &DocumentResponse{Document: doc}, nil
}

func (s *Server) Acknowledge(ctx context.Context, req *SessionRequest) (*Ack, error) {
	if err := s.reconciler.Acknowledge(ctx, req.TenantID, req.SessionID); err != nil {
		return nil, toGRPCError(err)
	}
	return &Ack{}, nil
}

func (s *Server) GetSourceMetadata(ctx context.Context, req *SessionRequest) (*SourceMetadataResponse, error) {
	entry, err := s.engine.Resolve(ctx, req.TenantID, req.SessionID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	meta, err := s.reconciler.GetSourceMetadata(ctx, types.SourceDescriptor{Kind: types.SourceLocal, Path: entry.SourcePath})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &SourceMetadataResponse{Metadata: meta}, nil
}

func (s *Server) HealthCheck(ctx context.Context, _ *Ack) (*HealthResponse, error) {
	status, err := s.backendHealth.Health(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &HealthResponse{Status: status}, nil
}

func (s *Server) WatchChanges(req *TenantRequest, stream grpc.ServerStream) error {
	if s.broker == nil {
		return status.Error(codes.Unavailable, "no event broker wired")
	}
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			msg, err := encodeEnvelope(evt)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// fetchSourceBytes is the server's own source-fetch adapter for
// CheckForChanges: it only knows how to read a local filesystem path.
// Cloud-backed sources are not wired to a real client in this
// deployment (see pkg/reconciler's GetSourceMetadata note) and report
// SourceUnavailable the same way.
func fetchSourceBytes(ctx context.Context, eng *engine.Engine, tenantID, sessionID string) ([]byte, error) {
	entry, err := eng.Resolve(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if entry.SourcePath == "" {
		return nil, types.NewError(types.KindSourceUnavailable, tenantID, sessionID, "session has no linked source", nil)
	}
	data, err := os.ReadFile(entry.SourcePath)
	if err != nil {
		return nil, types.NewError(types.KindSourceUnavailable, tenantID, sessionID, "read local source", err)
	}
	return data, nil
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
		case types.KindEditsBlocked:
			return status.Error(codes.FailedPrecondition, se.Error())
		case types.KindSourceUnavailable:
			return status.Error(codes.Unavailable, se.Error())
		case types.KindInvariantViolation:
			return status.Error(codes.Internal, se.Error())
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
	case codes.FailedPrecondition:
		return types.NewError(types.KindEditsBlocked, "", "", st.Message(), err)
	case codes.Internal:
		return types.NewError(types.KindInvariantViolation, "", "", st.Message(), err)
	default:
		return types.NewError(types.KindBackendUnavailable, "", "", st.Message(), err)
	}
}

// Client dials a remote Server and exposes the facade's RPCs as plain
// Go methods for cmd/sessionctl (and any in-process caller that wants
// to talk to sessionstored over the wire).
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection to a sessionstored instance.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	reqEnv, err := encodeEnvelope(req)
	if err != nil {
		return err
	}
	respEnv := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, "/"+serviceName+"/"+method, reqEnv, respEnv); err != nil {
		return fromGRPCError(err)
	}
	if respEnv.GetValue() == "" {
		return nil
	}
	return json.Unmarshal([]byte(respEnv.GetValue()), resp)
}

func (c *Client) OpenSession(ctx context.Context, tenantID, sessionID string, initial []byte, source *types.SourceDescriptor) (types.Session, error) {
	var resp SessionResponse
	err := invoke(ctx, c.conn, "OpenSession", &OpenSessionRequest{TenantID: tenantID, SessionID: sessionID, Initial: initial, Source: source}, &resp)
	return resp.Session, err
}

func (c *Client) CreateSession(ctx context.Context, tenantID, sessionID string) (types.Session, error) {
	var resp SessionResponse
	err := invoke(ctx, c.conn, "CreateSession", &CreateSessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
	return resp.Session, err
}

func (c *Client) GetSession(ctx context.Context, tenantID, sessionID string) (types.Document, error) {
	var resp DocumentResponse
	err := invoke(ctx, c.conn, "GetSession", &SessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
	return resp.Document, err
}

func (c *Client) ListSessions(ctx context.Context, tenantID string) ([]types.IndexEntry, error) {
	var resp ListSessionsResponse
	err := invoke(ctx, c.conn, "ListSessions", &TenantRequest{TenantID: tenantID}, &resp)
	return resp.Sessions, err
}

func (c *Client) CloseSession(ctx context.Context, tenantID, sessionID string) error {
	var resp Ack
	return invoke(ctx, c.conn, "CloseSession", &SessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
}

func (c *Client) SetSourcePath(ctx context.Context, tenantID, sessionID, path string) error {
	var resp Ack
	return invoke(ctx, c.conn, "SetSourcePath", &SetSourcePathRequest{TenantID: tenantID, SessionID: sessionID, Path: path}, &resp)
}

func (c *Client) AppendPatch(ctx context.Context, tenantID, sessionID string, patch, currentDocument []byte) (types.Document, error) {
	var resp DocumentResponse
	err := invoke(ctx, c.conn, "AppendPatch", &AppendPatchRequest{TenantID: tenantID, SessionID: sessionID, Patch: patch, CurrentDocument: currentDocument}, &resp)
	return resp.Document, err
}

func (c *Client) Undo(ctx context.Context, tenantID, sessionID string, steps uint64) (types.CursorResult, error) {
	var resp CursorResponse
	err := invoke(ctx, c.conn, "Undo", &CursorRequest{TenantID: tenantID, SessionID: sessionID, Steps: steps}, &resp)
	return resp.Result, err
}

func (c *Client) Redo(ctx context.Context, tenantID, sessionID string, steps uint64) (types.CursorResult, error) {
	var resp CursorResponse
	err := invoke(ctx, c.conn, "Redo", &CursorRequest{TenantID: tenantID, SessionID: sessionID, Steps: steps}, &resp)
	return resp.Result, err
}

func (c *Client) JumpTo(ctx context.Context, tenantID, sessionID string, position uint64) (types.CursorResult, error) {
	var resp CursorResponse
	err := invoke(ctx, c.conn, "JumpTo", &JumpToRequest{TenantID: tenantID, SessionID: sessionID, Position: position}, &resp)
	return resp.Result, err
}

func (c *Client) History(ctx context.Context, tenantID, sessionID string, offset uint64, limit int) ([]types.WalEntry, bool, error) {
	var resp HistoryResponse
	err := invoke(ctx, c.conn, "History", &HistoryRequest{TenantID: tenantID, SessionID: sessionID, Offset: offset, Limit: limit}, &resp)
	return resp.Entries, resp.HasMore, err
}

func (c *Client) Compact(ctx context.Context, tenantID, sessionID string, discardRedo bool) error {
	var resp Ack
	return invoke(ctx, c.conn, "Compact", &CompactRequest{TenantID: tenantID, SessionID: sessionID, DiscardRedo: discardRedo}, &resp)
}

func (c *Client) CheckForChanges(ctx context.Context, tenantID, sessionID string) (*types.PendingExternalChange, error) {
	var resp PendingChangeResponse
	err := invoke(ctx, c.conn, "CheckForChanges", &SessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
	return resp.Change, err
}

func (c *Client) Sync(ctx context.Context, tenantID, sessionID string, sourceBytes []byte, sourcePath string) (types.Document, error) {
	var resp DocumentResponse
	err := invoke(ctx, c.conn, "Sync", &SyncRequest{TenantID: tenantID, SessionID: sessionID, SourceBytes: sourceBytes, SourcePath: sourcePath}, &resp)
	return resp.Document, err
}

func (c *Client) Acknowledge(ctx context.Context, tenantID, sessionID string) error {
	var resp Ack
	return invoke(ctx, c.conn, "Acknowledge", &SessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
}

func (c *Client) GetSourceMetadata(ctx context.Context, tenantID, sessionID string) (types.SourceMetadata, error) {
	var resp SourceMetadataResponse
	err := invoke(ctx, c.conn, "GetSourceMetadata", &SessionRequest{TenantID: tenantID, SessionID: sessionID}, &resp)
	return resp.Metadata, err
}

func (c *Client) HealthCheck(ctx context.Context) (backend.HealthStatus, error) {
	var resp HealthResponse
	err := invoke(ctx, c.conn, "HealthCheck", &Ack{}, &resp)
	return resp.Status, err
}

// WatchChanges opens a server-streaming subscription and invokes onEvent
// for every event the broker publishes until ctx is cancelled or the
// stream ends.
func (c *Client) WatchChanges(ctx context.Context, tenantID string, onEvent func(*events.Event)) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/WatchChanges")
	if err != nil {
		return fromGRPCError(err)
	}
	env, err := encodeEnvelope(&TenantRequest{TenantID: tenantID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(env); err != nil {
		return fromGRPCError(err)
	}
	for {
		msg := new(wrapperspb.StringValue)
		if err := stream.RecvMsg(msg); err != nil {
			return fromGRPCError(err)
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(msg.GetValue()), &evt); err != nil {
			return err
		}
		onEvent(&evt)
	}
}
