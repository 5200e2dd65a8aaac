package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"

	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/reconciler"
	"github.com/narvanalabs/fleet/internal/store/memory"
)

type harness struct {
	svc    *fleet.Service
	server *Server
	client HeartbeatServiceClient
	conn   *grpc.ClientConn
	node   *models.ClusterNode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := fleet.New(memory.New(), nil, fleet.Config{StalenessThreshold: time.Minute, DriftGracePeriod: time.Minute}, nil)
	c, err := svc.CreateCluster(ctx, &models.Cluster{Name: "grpc"})
	require.NoError(t, err)
	node, err := svc.RegisterNode(ctx, &models.ClusterNode{
		ClusterID: c.ID,
		MemoryMB:  65536,
		CPU:       models.CPU{Manufacturer: models.CPUManufacturerIntel, Architecture: models.ArchitectureX86_64, Millicores: 32000},
	})
	require.NoError(t, err)

	srv, conn := serve(t, ctx, svc)
	return &harness{svc: svc, server: srv, client: NewHeartbeatServiceClient(conn), conn: conn, node: node}
}

// serve runs a heartbeat server over an in-memory listener and returns a client connection to it.
func serve(t *testing.T, ctx context.Context, ingester Ingester, opts ...grpc.DialOption) (*Server, *grpc.ClientConn) {
	t.Helper()
	srv, err := NewServer(DefaultConfig(), ingester, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(ctx, lis)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

type ingesterFunc func(ctx context.Context, hb models.Heartbeat) (reconciler.Action, error)

func (f ingesterFunc) IngestHeartbeat(ctx context.Context, hb models.Heartbeat) (reconciler.Action, error) {
	return f(ctx, hb)
}

func TestUnaryHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.client.Heartbeat(ctx, &HeartbeatRequest{NodeID: h.node.ID.String(), Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, "recorded", resp.Action)

	// A missing timestamp takes the receive time.
	resp, err = h.client.Heartbeat(ctx, &HeartbeatRequest{NodeID: h.node.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, "recorded", resp.Action)

	_, err = h.client.Heartbeat(ctx, &HeartbeatRequest{NodeID: "node-1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Heartbeat(ctx, &HeartbeatRequest{NodeID: uuid.NewString(), Timestamp: time.Now()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.Heartbeat(ctx, &HeartbeatRequest{NodeID: h.node.ID.String(), Status: "succeeded", Timestamp: time.Now()})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHeartbeatConfirmsPlacement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.SubmitJob(ctx, jobs.SubmitRequest{
		Name:                 "resnet",
		ResourceRequirements: models.ResourceRequirements{CPU: models.CPU{Millicores: 8000}, MemoryMB: 16384},
	})
	require.NoError(t, err)
	require.Equal(t, 1, h.svc.Scheduler().Pass(ctx))

	resp, err := h.client.Heartbeat(ctx, &HeartbeatRequest{
		NodeID:        h.node.ID.String(),
		ReportedJobID: job.ID.String(),
		Status:        "running",
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Action)

	got, err := h.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestStreamHeartbeatsSkipsRejectedReports(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamHeartbeats(ctx)
	require.NoError(t, err)

	start := time.Now().UTC()
	require.NoError(t, stream.Send(&HeartbeatRequest{NodeID: h.node.ID.String(), Timestamp: start.Add(time.Millisecond)}))
	require.NoError(t, stream.Send(&HeartbeatRequest{NodeID: "garbage", Timestamp: start}))
	require.NoError(t, stream.Send(&HeartbeatRequest{NodeID: h.node.ID.String(), Timestamp: start.Add(2 * time.Millisecond)}))
	require.NoError(t, stream.Send(&HeartbeatRequest{NodeID: h.node.ID.String(), Timestamp: start.Add(-time.Hour)}))

	summary, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Received)
	assert.Equal(t, int64(1), summary.Rejected)
	assert.Equal(t, int64(2), summary.Actions["recorded"])
	assert.Equal(t, int64(1), summary.Actions["ignored"])

	node, err := h.svc.GetNode(h.node.ID)
	require.NoError(t, err)
	assert.False(t, node.HeartbeatTimestamp.Before(start))
}

func TestHealthService(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	assert.True(t, h.server.IsServing())

	require.NoError(t, h.server.Stop(context.Background()))
	assert.False(t, h.server.IsServing())
}

func TestCodecRoundTrip(t *testing.T) {
	in := &HeartbeatRequest{NodeID: uuid.NewString(), ReportedJobID: uuid.NewString(), Status: "running", Timestamp: time.Unix(1700000000, 0).UTC()}
	data, err := jsonCodec{}.Marshal(in)
	require.NoError(t, err)
	var out HeartbeatRequest
	require.NoError(t, jsonCodec{}.Unmarshal(data, &out))
	assert.Equal(t, *in, out)
	assert.Equal(t, CodecName, jsonCodec{}.Name())
}

func TestStreamHeartbeatsSurvivesInternalErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failing := uuid.New()
	var seen atomic.Int64
	_, conn := serve(t, ctx, ingesterFunc(func(_ context.Context, hb models.Heartbeat) (reconciler.Action, error) {
		seen.Add(1)
		if hb.NodeID == failing {
			return "", errors.New("connection reset by peer")
		}
		return reconciler.ActionRecorded, nil
	}))

	stream, err := NewHeartbeatServiceClient(conn).StreamHeartbeats(ctx)
	require.NoError(t, err)
	healthy := uuid.NewString()
	for _, id := range []string{failing.String(), healthy, failing.String(), healthy} {
		require.NoError(t, stream.Send(&HeartbeatRequest{NodeID: id, Timestamp: time.Now().UTC()}))
	}

	summary, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Received)
	assert.Equal(t, int64(2), summary.Rejected)
	assert.Equal(t, int64(2), summary.Actions["recorded"])
	assert.Equal(t, int64(4), seen.Load())
}

// protoNamedJSON sends JSON bodies under the default "proto" content subtype.
type protoNamedJSON struct{ jsonCodec }

func (protoNamedJSON) Name() string { return "proto" }

func TestServerDecodesHeartbeatsWhateverTheSubtype(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, conn := serve(t, ctx, ingesterFunc(func(context.Context, models.Heartbeat) (reconciler.Action, error) {
		return reconciler.ActionRecorded, nil
	}))

	var resp HeartbeatResponse
	req := &HeartbeatRequest{NodeID: uuid.NewString(), Timestamp: time.Now().UTC()}
	require.NoError(t, conn.Invoke(ctx, heartbeatMethod, req, &resp, grpc.ForceCodec(protoNamedJSON{})))
	assert.Equal(t, "recorded", resp.Action)

	// The health service on the same server keeps its protobuf encoding.
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status)
}

func TestServerCodecKeepsProtobufMessages(t *testing.T) {
	in := &healthpb.HealthCheckRequest{Service: ServiceName}
	data, err := serverCodec{}.Marshal(in)
	require.NoError(t, err)
	var out healthpb.HealthCheckRequest
	require.NoError(t, proto.Unmarshal(data, &out))
	assert.Equal(t, ServiceName, out.GetService())

	hb := &HeartbeatResponse{Action: "started"}
	data, err = serverCodec{}.Marshal(hb)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"started"}`, string(data))
}
