package rpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/executionlog"
	splog "github.com/spearworks/spearctl/pkg/log"
)

var logger = splog.WithComponent("rpcserver")

// ServiceName is the gRPC service path registered with grpc.Server,
// "spearctl.MS" in the same slot proto.WarrenAPI occupies in the
// teacher's server.go.
const ServiceName = "spearctl.MS"

// Service implements the Metadata Server's RPC surface over Backend.
// It holds no state of its own; every method is a thin decode/call/
// encode shim, the role api/server.go's Server methods play around
// *manager.Manager in the teacher.
type Service struct {
	Backend Backend
}

func (s *Service) registerNode(ctx context.Context, req *apitypes.Node) (*apitypes.Node, error) {
	n, err := s.Backend.RegisterNode(ctx, *req)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "register node: %v", err)
	}
	return &n, nil
}

func (s *Service) heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := s.Backend.Heartbeat(ctx, req.NodeUUID, req.TsS); err != nil {
		return nil, status.Errorf(codes.NotFound, "heartbeat: %v", err)
	}
	return &HeartbeatResponse{}, nil
}

func (s *Service) getTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	t, ok, err := s.Backend.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get task: %v", err)
	}
	return &GetTaskResponse{Task: t, Found: ok}, nil
}

func (s *Service) reportExecution(ctx context.Context, req *ReportExecutionRequest) (*Empty, error) {
	if err := s.Backend.ReportExecution(ctx, req.Execution, req.Op); err != nil {
		return nil, status.Errorf(codes.Internal, "report execution: %v", err)
	}
	return &Empty{}, nil
}

func (s *Service) reportInstance(ctx context.Context, req *ReportInstanceRequest) (*Empty, error) {
	if err := s.Backend.ReportInstance(ctx, req.Instance, req.Op); err != nil {
		return nil, status.Errorf(codes.Internal, "report instance: %v", err)
	}
	return &Empty{}, nil
}

func (s *Service) appendLogs(_ context.Context, req *AppendLogsRequest) (*AppendLogsResponse, error) {
	lines := make([]executionlog.AppendLogLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		line := executionlog.AppendLogLine{Message: l.Message}
		if l.Stream != "" {
			stream := l.Stream
			line.Stream = &stream
		}
		if l.Level != "" {
			level := l.Level
			line.Level = &level
		}
		if l.TsMs != 0 {
			ts := l.TsMs
			line.TsMs = &ts
		}
		lines = append(lines, line)
	}
	res, err := s.Backend.AppendLogs(req.ExecutionID, lines)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "append logs: %v", err)
	}
	return &AppendLogsResponse{
		FirstSeq: res.NextSeq - uint64(res.Accepted),
		LastSeq:  res.NextSeq - 1,
		Count:    res.Accepted,
	}, nil
}

func (s *Service) readLogs(_ context.Context, req *ReadLogsRequest) (*ReadLogsResponse, error) {
	res, err := s.Backend.ReadLogs(req.ExecutionID, req.AfterSeq, req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read logs: %v", err)
	}
	return &ReadLogsResponse{
		Lines:      res.Lines,
		NextCursor: res.NextCursor,
		Truncated:  res.Truncated,
		Completed:  res.Completed,
	}, nil
}

// subscribeTaskEvents streams the backlog since AfterEventID and then
// the live tail of the node's event stream, translating each envelope
// into an apitypes.TaskEvent stamped with its stream seq as EventID --
// the cursor pkg/agent/consumer persists and resumes from.
func (s *Service) subscribeTaskEvents(req *SubscribeTaskEventsRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	backlog, err := s.Backend.ReplayTaskEvents(ctx, req.NodeUUID, req.AfterEventID, 0)
	if err != nil {
		return status.Errorf(codes.Internal, "replay task events: %v", err)
	}
	for _, evt := range backlog {
		if err := stream.SendMsg(&evt); err != nil {
			return err
		}
	}

	envs, unsub := s.Backend.SubscribeTaskEvents(req.NodeUUID)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			if env.ResourceType != apitypes.ResourceTask {
				continue
			}
			var evt apitypes.TaskEvent
			if err := eventbus.DecodePayload(env.Payload, &evt); err != nil {
				logger.Warn().Err(err).Str("node_uuid", req.NodeUUID).Msg("dropping undecodable task event")
				continue
			}
			evt.EventID = env.Seq
			if err := stream.SendMsg(&evt); err != nil {
				return err
			}
		}
	}
}

// ServiceDesc is the method table pkg/rpcserver's server and client
// share, the hand-written equivalent of what protoc-gen-go-grpc emits
// for a .proto service -- see codec.go's doc comment for why this repo
// builds it by hand instead of from generated stubs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: registerNodeHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "GetTask", Handler: getTaskHandler},
		{MethodName: "ReportExecution", Handler: reportExecutionHandler},
		{MethodName: "ReportInstance", Handler: reportInstanceHandler},
		{MethodName: "AppendLogs", Handler: appendLogsHandler},
		{MethodName: "ReadLogs", Handler: readLogsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeTaskEvents",
			Handler:       subscribeTaskEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "spearctl/rpcserver/service.proto",
}

func registerNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(apitypes.Node)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.registerNode(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RegisterNode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.registerNode(ctx, req.(*apitypes.Node))
	}
	return interceptor(ctx, req, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetTaskRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.getTask(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.getTask(ctx, req.(*GetTaskRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func reportExecutionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ReportExecutionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.reportExecution(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReportExecution"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.reportExecution(ctx, req.(*ReportExecutionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func reportInstanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ReportInstanceRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.reportInstance(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReportInstance"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.reportInstance(ctx, req.(*ReportInstanceRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendLogsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AppendLogsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.appendLogs(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AppendLogs"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.appendLogs(ctx, req.(*AppendLogsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func readLogsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ReadLogsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.readLogs(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReadLogs"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.readLogs(ctx, req.(*ReadLogsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func subscribeTaskEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeTaskEventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Service).subscribeTaskEvents(req, stream)
}
