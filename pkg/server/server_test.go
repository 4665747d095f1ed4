package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ohsnyt/touscheduler/pkg/forecast"
	"github.com/ohsnyt/touscheduler/pkg/inverter"
	"github.com/ohsnyt/touscheduler/pkg/scheduler"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := storage.NewFileProvider(t.TempDir())
	require.NoError(t, store.Init(context.Background()))

	inv := inverter.NewMock()
	fc := forecast.NewMock()
	settings := types.Settings{Timezone: "UTC"}
	creds := types.Credentials{
		InverterUsername: "user", InverterPassword: "pass",
		SolcastAPIKey: "key", SolcastResourceID: "resource",
	}
	orch, err := scheduler.New(inv, fc, store, settings, creds)
	require.NoError(t, err)

	srv := New(orch, store)
	ts := httptest.NewServer(srv.setupHandler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "touscheduler", resp.Header.Get("Server"))
}

func TestSnapshotEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap types.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, types.StatusStarting, snap.Status)
}

func TestUpdateRunsTick(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/update", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string         `json:"status"`
		Snapshot types.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, types.StatusWorking, body.Snapshot.Status)
	assert.Greater(t, body.Snapshot.BattMinutesRemaining, 0)
}

func TestUpdateAuth(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.bypassAuth = false

	t.Run("missing header", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/update", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejected token", func(t *testing.T) {
		srv.verifier = func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			return nil, errors.New("bad signature")
		}
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/update", nil)
		req.Header.Set("Authorization", "Bearer nope")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("accepted token", func(t *testing.T) {
		srv.verifier = func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			return &oidc.IDToken{}, nil
		}
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/update", nil)
		req.Header.Set("Authorization", "Bearer good")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHistoryEnergy(t *testing.T) {
	srv, ts := newTestServer(t)

	now := time.Now().UTC().Truncate(time.Hour)
	require.NoError(t, srv.storage.UpsertEnergySample(context.Background(), types.EnergySample{
		TSHourStart: now, LoadW: 800, PVW: 1200, BatterySOC: 55, Samples: 10,
	}))

	resp, err := http.Get(ts.URL + "/api/history/energy")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Samples []types.EnergySample `json:"samples"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Samples, 1)
	assert.InDelta(t, 800, body.Samples[0].LoadW, 0.001)
}

func TestHistoryPlans(t *testing.T) {
	srv, ts := newTestServer(t)

	require.NoError(t, srv.storage.InsertPlanRecord(context.Background(), types.PlanRecord{
		Timestamp: time.Now(),
		PlanDay:   "2026-08-28",
		TargetSOC: 40,
		Mode:      types.BoostModeAutomatic,
		Written:   true,
	}))

	resp, err := http.Get(ts.URL + "/api/history/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Plans []types.PlanRecord `json:"plans"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Plans, 1)
	assert.Equal(t, 40, body.Plans[0].TargetSOC)
}

func TestHistoryBadRange(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/history/energy?start=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
