package rpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/executionlog"
	"github.com/spearworks/spearctl/pkg/security"
)

// callOpts forces every RPC onto the registered json codec instead of
// grpc's default proto codec, the client-side half of codec.go's
// registration.
var callOpts = grpc.CallContentSubtype(codecName)

// Client is the Worker Agent's gRPC stub for the Metadata Server's
// Service. It satisfies pkg/agent/registration.MSClient,
// pkg/agent/consumer.Subscription, pkg/agent/execmgr.MSReporter, and
// pkg/agent/execmgr.TaskFetcher structurally, mirroring pkg/client.Client's
// role for the teacher's CLI.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens an mTLS connection to a Metadata Server at addr using the
// worker agent certificate issued for nodeID.
func Dial(addr, nodeID string) (*Client, error) {
	certDir, err := security.GetCertDir("wa", nodeID)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: cert dir: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("rpcserver: worker agent certificate not found at %s", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: load worker certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: load ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("rpcserver: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// RegisterNode implements pkg/agent/registration.MSClient.
func (c *Client) RegisterNode(ctx context.Context, node apitypes.Node) (apitypes.Node, error) {
	resp := new(apitypes.Node)
	if err := c.conn.Invoke(ctx, fullMethod("RegisterNode"), &node, resp, callOpts); err != nil {
		return apitypes.Node{}, err
	}
	return *resp, nil
}

// Heartbeat implements pkg/agent/registration.MSClient.
func (c *Client) Heartbeat(ctx context.Context, nodeUUID string, tsS int64) error {
	req := &HeartbeatRequest{NodeUUID: nodeUUID, TsS: tsS}
	return c.conn.Invoke(ctx, fullMethod("Heartbeat"), req, new(HeartbeatResponse), callOpts)
}

// GetTask implements pkg/agent/execmgr.TaskFetcher.
func (c *Client) GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error) {
	resp := new(GetTaskResponse)
	if err := c.conn.Invoke(ctx, fullMethod("GetTask"), &GetTaskRequest{TaskID: taskID}, resp, callOpts); err != nil {
		return apitypes.Task{}, false, err
	}
	return resp.Task, resp.Found, nil
}

// ReportExecution implements pkg/agent/execmgr.MSReporter.
func (c *Client) ReportExecution(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) error {
	req := &ReportExecutionRequest{Execution: exe, Op: op}
	return c.conn.Invoke(ctx, fullMethod("ReportExecution"), req, new(Empty), callOpts)
}

// ReportInstance implements pkg/agent/execmgr.MSReporter.
func (c *Client) ReportInstance(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) error {
	req := &ReportInstanceRequest{Instance: inst, Op: op}
	return c.conn.Invoke(ctx, fullMethod("ReportInstance"), req, new(Empty), callOpts)
}

// AppendLogs ships a batch of unsequenced log lines to the MS.
func (c *Client) AppendLogs(ctx context.Context, executionID string, lines []AppendLogLineMsg) (AppendLogsResponse, error) {
	resp := new(AppendLogsResponse)
	req := &AppendLogsRequest{ExecutionID: executionID, Lines: lines}
	if err := c.conn.Invoke(ctx, fullMethod("AppendLogs"), req, resp, callOpts); err != nil {
		return AppendLogsResponse{}, err
	}
	return *resp, nil
}

// ReadLogs pages through one execution's stored log on the MS.
func (c *Client) ReadLogs(ctx context.Context, executionID string, afterSeq uint64, limit int) (executionlog.ReadResult, error) {
	resp := new(ReadLogsResponse)
	req := &ReadLogsRequest{ExecutionID: executionID, AfterSeq: afterSeq, Limit: limit}
	if err := c.conn.Invoke(ctx, fullMethod("ReadLogs"), req, resp, callOpts); err != nil {
		return executionlog.ReadResult{}, err
	}
	return executionlog.ReadResult{
		Lines:      resp.Lines,
		NextCursor: resp.NextCursor,
		Truncated:  resp.Truncated,
		Completed:  resp.Completed,
	}, nil
}

// SubscribeTaskEvents implements pkg/agent/consumer.Subscription over a
// real grpc server-streaming call, decoding each apitypes.TaskEvent as
// it arrives and closing both channels when the stream ends.
func (c *Client) SubscribeTaskEvents(ctx context.Context, nodeUUID string, afterEventID uint64) (<-chan apitypes.TaskEvent, <-chan error, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod("SubscribeTaskEvents"), callOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("rpcserver: open subscribe stream: %w", err)
	}
	req := &SubscribeTaskEventsRequest{NodeUUID: nodeUUID, AfterEventID: afterEventID}
	if err := stream.SendMsg(req); err != nil {
		return nil, nil, fmt.Errorf("rpcserver: send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fmt.Errorf("rpcserver: close subscribe send: %w", err)
	}

	events := make(chan apitypes.TaskEvent, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for {
			evt := new(apitypes.TaskEvent)
			if err := stream.RecvMsg(evt); err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- err
				}
				return
			}
			select {
			case events <- *evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errs, nil
}
