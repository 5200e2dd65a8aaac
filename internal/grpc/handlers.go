package grpc

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store"
	"github.com/narvanalabs/fleet/pkg/logger"
)

// toHeartbeat converts a wire request. A zero timestamp is replaced with the receive time.
func toHeartbeat(req *HeartbeatRequest, received time.Time) (models.Heartbeat, error) {
	nodeID, err := uuid.Parse(req.NodeID)
	if err != nil {
		return models.Heartbeat{}, status.Error(codes.InvalidArgument, "invalid node_id")
	}
	hb := models.Heartbeat{
		NodeID:    nodeID,
		JobState:  models.ReportedJobState(req.Status),
		Timestamp: req.Timestamp,
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = received
	}
	if req.ReportedJobID != "" {
		jobID, err := uuid.Parse(req.ReportedJobID)
		if err != nil {
			return models.Heartbeat{}, status.Error(codes.InvalidArgument, "invalid reported_job_id")
		}
		hb.ReportedJobID = &jobID
	}
	return hb, nil
}

// toStatus maps ingestion errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) != codes.Unknown:
		return err
	case errors.Is(err, models.ErrMalformedHeartbeat):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, fleet.ErrNotLeader):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "failed to process heartbeat")
	}
}

func (s *Server) ingest(ctx context.Context, req *HeartbeatRequest) (string, error) {
	hb, err := toHeartbeat(req, s.now().UTC())
	if err != nil {
		return "", err
	}
	ctx = logger.ContextWithNodeID(ctx, hb.NodeID)
	action, err := s.ingester.IngestHeartbeat(ctx, hb)
	if err != nil {
		log := s.contextLogger(ctx).WithError(err)
		if hb.ReportedJobID != nil {
			log = log.WithJobID(*hb.ReportedJobID)
		}
		if status.Code(toStatus(err)) == codes.Internal {
			log.Error("failed to ingest heartbeat")
		} else {
			log.Debug("heartbeat rejected")
		}
		return "", toStatus(err)
	}
	return string(action), nil
}

func (s *Server) contextLogger(ctx context.Context) *logger.Logger {
	return (&logger.Logger{Logger: s.logger}).WithContext(ctx)
}

// Heartbeat applies a single node report.
func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	action, err := s.ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{Action: action}, nil
}

// StreamHeartbeats applies reports until the client closes the stream. A report that fails for
// any reason is counted as rejected and skipped; it does not end the stream.
func (s *Server) StreamHeartbeats(stream HeartbeatService_StreamHeartbeatsServer) error {
	summary := &StreamSummary{Actions: make(map[string]int64)}
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(summary)
		}
		if err != nil {
			return err
		}

		summary.Received++
		action, err := s.ingest(stream.Context(), req)
		if err != nil {
			summary.Rejected++
			continue
		}
		summary.Actions[action]++
	}
}
