package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apierrors "github.com/narvanalabs/fleet/internal/api/errors"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/fleet"
	"github.com/narvanalabs/fleet/internal/jobs"
	"github.com/narvanalabs/fleet/internal/models"
	"github.com/narvanalabs/fleet/internal/store/memory"
	"github.com/narvanalabs/fleet/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	t      *testing.T
	svc    *fleet.Service
	broker *events.Broker
	server *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	broker := events.NewBroker(16, nil)
	svc := fleet.New(memory.New(), broker, fleet.Config{StalenessThreshold: time.Minute, DriftGracePeriod: time.Minute}, nil)
	cfg := config.Defaults()
	return &testAPI{t: t, svc: svc, broker: broker, server: NewServer(cfg, svc, broker, nil)}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeInto[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func (a *testAPI) createCluster(name string) *models.Cluster {
	rr := a.do(http.MethodPost, "/v1/clusters", map[string]string{"name": name})
	require.Equal(a.t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeInto[*models.Cluster](a.t, rr)
}

func (a *testAPI) registerNode(clusterID uuid.UUID, poolID *uuid.UUID) *httptest.ResponseRecorder {
	return a.do(http.MethodPost, "/v1/nodes", map[string]any{
		"cluster_id":       clusterID,
		"instance_pool_id": poolID,
		"memory_mb":        65536,
		"cpu":              map[string]any{"manufacturer": "AMD", "architecture": "x86_64", "millicores": 32000},
		"gpu":              map[string]any{"manufacturer": "Nvidia", "model": "H100", "memory_mb": 81920, "count": 8},
	})
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"store"`)
}

func TestClusterEndpoints(t *testing.T) {
	a := newTestAPI(t)

	c := a.createCluster("research")

	rr := a.do(http.MethodPost, "/v1/clusters", map[string]string{"name": "research"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, apierrors.CodeConflict, decodeInto[apierrors.APIError](t, rr).Code)

	rr = a.do(http.MethodPost, "/v1/clusters", map[string]string{"nam": "typo"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodGet, "/v1/clusters", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeInto[[]*models.Cluster](t, rr), 1)

	rr = a.do(http.MethodGet, "/v1/clusters/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(http.MethodGet, "/v1/clusters/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodGet, "/v1/clusters/"+uuid.NewString()+"/summary", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeInto[apierrors.APIError](t, rr)
	assert.Equal(t, apierrors.CodeNotFound, body.Code)
	assert.NotEmpty(t, body.RequestID)

	require.Equal(t, http.StatusCreated, a.registerNode(c.ID, nil).Code)

	rr = a.do(http.MethodGet, "/v1/clusters/"+c.ID.String()+"/nodes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeInto[[]*models.ClusterNode](t, rr), 1)

	rr = a.do(http.MethodGet, "/v1/clusters/"+c.ID.String()+"/details", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	details := decodeInto[models.ClusterDetails](t, rr)
	assert.Equal(t, int64(8), details.GPU.Total)

	rr = a.do(http.MethodDelete, "/v1/clusters/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = a.do(http.MethodGet, "/v1/clusters/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNodeRegistrationValidation(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCluster("validation")

	rr := a.do(http.MethodPost, "/v1/nodes", map[string]any{
		"cluster_id": c.ID,
		"memory_mb":  1024,
		"cpu":        map[string]any{"manufacturer": "AMD", "architecture": "x86_64", "millicores": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.registerNode(uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodGet, "/v1/nodes/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	c := a.createCluster("training")

	rr := a.registerNode(c.ID, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	node := decodeInto[*models.ClusterNode](t, rr)

	rr = a.do(http.MethodPost, "/v1/jobs", map[string]any{
		"name": "llama-finetune",
		"resource_requirements": map[string]any{
			"cpu":       map[string]any{"millicores": 16000},
			"memory_mb": 32768,
			"gpu":       map[string]any{"manufacturer": "Nvidia", "model": "H100", "count": 4},
		},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	job := decodeInto[*models.TrainingJob](t, rr)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	require.Equal(t, 1, a.svc.Scheduler().Pass(ctx))

	rr = a.do(http.MethodGet, "/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeInto[*models.TrainingJob](t, rr)
	assert.Equal(t, models.JobStatusStarting, got.Status)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, node.ID, *got.NodeID)

	rr = a.do(http.MethodDelete, "/v1/clusters/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	heartbeat := func(status models.ReportedJobState) string {
		rr := a.do(http.MethodPost, "/v1/nodes/"+node.ID.String()+"/heartbeat", map[string]any{
			"reported_job_id": job.ID,
			"status":          status,
			"timestamp":       time.Now().UTC(),
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return decodeInto[map[string]string](t, rr)["action"]
	}
	assert.Equal(t, "started", heartbeat(models.ReportedJobRunning))
	assert.Equal(t, "finished", heartbeat(models.ReportedJobSucceeded))

	rr = a.do(http.MethodGet, "/v1/jobs?status=succeeded", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeInto[[]*models.TrainingJob](t, rr), 1)

	rr = a.do(http.MethodGet, "/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodPost, "/v1/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, apierrors.CodeInvalidState, decodeInto[apierrors.APIError](t, rr).Code)

	rr = a.do(http.MethodGet, "/v1/nodes/"+node.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.NodeStatusAvailable, decodeInto[*models.ClusterNode](t, rr).Status)
}

func TestMalformedHeartbeatIsRejected(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCluster("hb")
	node := decodeInto[*models.ClusterNode](t, a.registerNode(c.ID, nil))

	rr := a.do(http.MethodPost, "/v1/nodes/"+node.ID.String()+"/heartbeat", map[string]any{"status": "succeeded"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodPost, "/v1/nodes/"+uuid.NewString()+"/heartbeat", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(http.MethodGet, "/v1/reconciler/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decodeInto[map[string]float64](t, rr)["rejected"])
}

func TestHeartbeatStatusIsCheckedAtTheEdge(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCluster("edge")
	node := decodeInto[*models.ClusterNode](t, a.registerNode(c.ID, nil))

	rr := a.do(http.MethodPost, "/v1/nodes/"+node.ID.String()+"/heartbeat", map[string]any{"status": "exploded"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeInto[apierrors.APIError](t, rr)
	assert.Equal(t, apierrors.CodeValidationError, body.Code)
	assert.Contains(t, body.Message, "status")

	rr = a.do(http.MethodGet, "/v1/reconciler/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decodeInto[map[string]float64](t, rr)["rejected"])
}

func TestStandbyReplicaAnswersNotLeader(t *testing.T) {
	broker := events.NewBroker(16, nil)
	svc := fleet.New(memory.New(), broker, fleet.Config{StalenessThreshold: time.Minute, DriftGracePeriod: time.Minute, Standby: true}, nil)
	a := &testAPI{t: t, svc: svc, broker: broker, server: NewServer(config.Defaults(), svc, broker, nil)}

	rr := a.do(http.MethodPost, "/v1/jobs", map[string]any{
		"name":                  "pretrain",
		"resource_requirements": map[string]any{"cpu": map[string]any{"millicores": 1000}, "memory_mb": 1024},
	})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
	assert.Equal(t, apierrors.CodeNotLeader, decodeInto[apierrors.APIError](t, rr).Code)

	rr = a.do(http.MethodGet, "/v1/jobs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// Clusters live in the store and are served by every replica.
	a.createCluster("shared")

	require.NoError(t, svc.Lead(context.Background()))
	rr = a.do(http.MethodGet, "/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestInstancePoolEndpoints(t *testing.T) {
	a := newTestAPI(t)
	c := a.createCluster("burst")

	rr := a.do(http.MethodPost, "/v1/instance-pools", map[string]any{
		"name": "bad", "provider": "aws", "region": "us-east-1", "instance_type": "p5.48xlarge",
		"min_instances": 3, "max_instances": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(http.MethodPost, "/v1/instance-pools", map[string]any{
		"name": "h100", "provider": "aws", "region": "us-east-1", "instance_type": "p5.48xlarge",
		"min_instances": 0, "max_instances": 1,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decodeInto[*models.InstancePool](t, rr)

	rr = a.do(http.MethodGet, "/v1/instance-pools/"+p.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = a.do(http.MethodGet, "/v1/instance-pools", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeInto[[]*models.InstancePool](t, rr), 1)

	require.Equal(t, http.StatusCreated, a.registerNode(c.ID, &p.ID).Code)
	rr = a.registerNode(c.ID, &p.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, apierrors.CodePoolAtCapacity, decodeInto[apierrors.APIError](t, rr).Code)
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?type=" + string(events.JobTransitioned)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	job, err := a.svc.SubmitJob(context.Background(), jobs.SubmitRequest{Name: "stream-me"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.JobTransitioned, ev.Type)
	require.NotNil(t, ev.JobID)
	assert.Equal(t, job.ID, *ev.JobID)
	assert.Equal(t, models.JobStatusQueued, ev.To)
}

func TestEventStreamRejectsBadFilter(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(http.MethodGet, "/v1/events?job_id=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, a.broker.SubscriberCount())
}

func TestSubmitJobReportsEveryInvalidField(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(http.MethodPost, "/v1/jobs", map[string]any{
		"name": "",
		"resource_requirements": map[string]any{
			"cpu":       map[string]any{"architecture": "sparc", "millicores": 1000},
			"memory_mb": 1024,
		},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	body := decodeInto[apierrors.APIError](t, rr)
	assert.Equal(t, apierrors.CodeValidationError, body.Code)
	assert.Contains(t, body.Message, "and 1 more")
	fields, ok := body.Details["fields"].([]any)
	require.True(t, ok)
	assert.Len(t, fields, 2)
	assert.NotEmpty(t, body.RequestID)
}
