package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/model"
	"github.com/padenj/irrigation-controller/internal/status"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	stopped int
}

func (f *fakeRunner) Start(programID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, programID)
	return nil
}

func (f *fakeRunner) StopActive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeRunner) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeRunner) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeMoisture struct {
	readings map[string]int
}

func (f *fakeMoisture) Moisture(zoneID string) (int, bool) {
	percent, ok := f.readings[zoneID]
	return percent, ok
}

type testServer struct {
	*Server
	conn    *sql.DB
	status  *status.Manager
	runner  *fakeRunner
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	require.NoError(t, db.EnsureSchema(conn))
	t.Cleanup(func() { conn.Close() })

	st := status.NewManager(conn)
	runner := &fakeRunner{}
	srv := NewServer(conn, st, runner, &fakeMoisture{readings: map[string]int{}}, clockwork.NewFakeClock(), time.UTC)
	return &testServer{Server: srv, conn: conn, status: st, runner: runner, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createZone(t *testing.T, name string, port int) ZoneResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/zones", ZoneRequest{Name: name, Enabled: true, GPIOPort: port})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var zone ZoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zone))
	return zone
}

func TestCreateZone(t *testing.T) {
	ts := newTestServer(t)

	zone := ts.createZone(t, "front lawn", 17)
	assert.NotEmpty(t, zone.ID)
	assert.Equal(t, "front lawn", zone.Name)
	assert.Equal(t, 17, zone.GPIOPort)
	assert.Equal(t, -1, zone.MoistureChannel)
}

func TestCreateZone_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.createZone(t, "front lawn", 17)

	tests := []struct {
		name string
		req  ZoneRequest
	}{
		{"missing name", ZoneRequest{GPIOPort: 21}},
		{"invalid gpio port", ZoneRequest{Name: "x", GPIOPort: 2}},
		{"duplicate gpio port", ZoneRequest{Name: "x", GPIOPort: 17}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/zones", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpdateZone_KeepsOwnPort(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	// Re-submitting the zone's own port is not a conflict.
	rec := ts.do(t, http.MethodPut, "/api/zones/"+zone.ID, ZoneRequest{Name: "front lawn east", Enabled: false, GPIOPort: 17})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/zones/"+zone.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ZoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "front lawn east", got.Name)
	assert.False(t, got.Enabled)
}

func TestDeleteZone(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	rec := ts.do(t, http.MethodDelete, "/api/zones/"+zone.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/zones/"+zone.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetZones_LiveMoisture(t *testing.T) {
	ts := newTestServer(t)
	created, err := db.CreateZone(ts.conn, model.Zone{Name: "beds", Enabled: true, GPIOPort: 22, MoistureChannel: 1, MoistureLevel: 10})
	require.NoError(t, err)

	ts.moisture = &fakeMoisture{readings: map[string]int{created.ID: 62}}

	rec := ts.do(t, http.MethodGet, "/api/zones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var zones []ZoneResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zones))
	require.Len(t, zones, 1)
	assert.Equal(t, 62, zones[0].MoistureLevel, "live reading wins over the persisted level")
	assert.True(t, zones[0].MoistureLive)
}

func TestCreateProgram(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	rec := ts.do(t, http.MethodPost, "/api/programs", ProgramRequest{
		Name:       "morning",
		Enabled:    true,
		StartTime:  "06:00",
		DaysOfWeek: []int{1, 3, 5},
		Zones:      []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var program ProgramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &program))
	assert.NotEmpty(t, program.ID)
	require.NotNil(t, program.NextRun, "creating a program must compute its next run")
	assert.Nil(t, program.LastRun)
}

func TestCreateProgram_Validation(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	valid := ProgramRequest{
		Name:       "morning",
		Enabled:    true,
		StartTime:  "06:00",
		DaysOfWeek: []int{1},
		Zones:      []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	}

	tests := []struct {
		name   string
		mutate func(*ProgramRequest)
	}{
		{"missing name", func(p *ProgramRequest) { p.Name = "" }},
		{"bad start time", func(p *ProgramRequest) { p.StartTime = "25:00" }},
		{"day out of range", func(p *ProgramRequest) { p.DaysOfWeek = []int{7} }},
		{"duplicate day", func(p *ProgramRequest) { p.DaysOfWeek = []int{1, 1} }},
		{"zero duration", func(p *ProgramRequest) { p.Zones[0].DurationSeconds = 0 }},
		{"unknown zone", func(p *ProgramRequest) { p.Zones[0].ZoneID = "missing" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.Zones = []ProgramZoneRequest{valid.Zones[0]}
			tt.mutate(&req)
			rec := ts.do(t, http.MethodPost, "/api/programs", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpdateProgram_RecomputesNextRun(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	rec := ts.do(t, http.MethodPost, "/api/programs", ProgramRequest{
		Name: "morning", Enabled: true, StartTime: "06:00", DaysOfWeek: []int{1},
		Zones: []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var program ProgramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &program))

	// Removing every scheduled day clears the next run.
	rec = ts.do(t, http.MethodPut, "/api/programs/"+program.ID, ProgramRequest{
		Name: "morning", Enabled: true, StartTime: "06:00", DaysOfWeek: []int{},
		Zones: []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/programs/"+program.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got ProgramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Nil(t, got.NextRun)
}

func TestRunProgram(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	rec := ts.do(t, http.MethodPost, "/api/programs", ProgramRequest{
		Name: "morning", Enabled: true, StartTime: "06:00", DaysOfWeek: []int{1},
		Zones: []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var program ProgramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &program))

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/programs/%s/run", program.ID), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// The run is handed off to a goroutine.
	require.Eventually(t, func() bool {
		started := ts.runner.Started()
		return len(started) == 1 && started[0] == program.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunProgram_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/programs/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, ts.runner.Started())
}

func TestSystemStop(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/system/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.runner.Stopped())
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	zone := ts.createZone(t, "front lawn", 17)

	rec := ts.do(t, http.MethodPost, "/api/programs", ProgramRequest{
		Name: "morning", Enabled: true, StartTime: "06:00", DaysOfWeek: []int{1},
		Zones: []ProgramZoneRequest{{ZoneID: zone.ID, DurationSeconds: 300}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var program ProgramResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &program))

	acquired, err := ts.status.AcquireProgram(program.ID)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, ts.status.SetActiveZone(zone.ID, 120))

	rec = ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, program.ID, st.ActiveProgramID)
	assert.Equal(t, "morning", st.ActiveProgramName)
	assert.Equal(t, zone.ID, st.ActiveZoneID)
	assert.Equal(t, 120, st.ActiveZoneSecondsLeft)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/zones", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
