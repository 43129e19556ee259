package db

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padenj/irrigation-controller/internal/config"
	"github.com/padenj/irrigation-controller/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, EnsureSchema(conn))

	// Exactly one status row, no matter how many times the schema runs.
	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM system_status`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestZoneCRUD(t *testing.T) {
	conn := openTestDB(t)

	created, err := CreateZone(conn, model.Zone{Name: "front lawn", Enabled: true, GPIOPort: 17, MoistureChannel: 2})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := GetZoneByID(conn, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "front lawn", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, 17, got.GPIOPort)
	assert.Equal(t, 2, got.MoistureChannel)
	assert.Zero(t, got.MoistureLevel)

	created.Name = "front lawn east"
	created.Enabled = false
	created.GPIOPort = 21
	require.NoError(t, UpdateZone(conn, *created))

	got, err = GetZoneByID(conn, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "front lawn east", got.Name)
	assert.False(t, got.Enabled)
	assert.Equal(t, 21, got.GPIOPort)

	require.NoError(t, DeleteZone(conn, created.ID))
	_, err = GetZoneByID(conn, created.ID)
	require.Error(t, err)
}

func TestUpdateZone_NotFound(t *testing.T) {
	conn := openTestDB(t)

	err := UpdateZone(conn, model.Zone{ID: "missing", Name: "x", GPIOPort: 17})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUpdateZoneMoisture(t *testing.T) {
	conn := openTestDB(t)

	created, err := CreateZone(conn, model.Zone{Name: "beds", Enabled: true, GPIOPort: 22, MoistureChannel: 0})
	require.NoError(t, err)

	require.NoError(t, UpdateZoneMoisture(conn, created.ID, 47))

	got, err := GetZoneByID(conn, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 47, got.MoistureLevel)
}

func TestProgramCRUD(t *testing.T) {
	conn := openTestDB(t)

	z1, err := CreateZone(conn, model.Zone{Name: "front", Enabled: true, GPIOPort: 17, MoistureChannel: -1})
	require.NoError(t, err)
	z2, err := CreateZone(conn, model.Zone{Name: "back", Enabled: true, GPIOPort: 21, MoistureChannel: -1})
	require.NoError(t, err)

	created, err := CreateProgram(conn, model.Program{
		Name:       "morning",
		Enabled:    true,
		StartTime:  "06:00",
		DaysOfWeek: []int{1, 3, 5},
		Zones: []model.ProgramZone{
			{ZoneID: z1.ID, DurationSeconds: 300},
			{ZoneID: z2.ID, DurationSeconds: 600},
		},
	})
	require.NoError(t, err)

	got, err := GetProgramByID(conn, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "morning", got.Name)
	assert.Equal(t, "06:00", got.StartTime)
	assert.Equal(t, []int{1, 3, 5}, got.DaysOfWeek)
	require.Len(t, got.Zones, 2)
	// Zone sequence order is the insert order.
	assert.Equal(t, z1.ID, got.Zones[0].ZoneID)
	assert.Equal(t, 300, got.Zones[0].DurationSeconds)
	assert.Equal(t, z2.ID, got.Zones[1].ZoneID)
	assert.Equal(t, 600, got.Zones[1].DurationSeconds)
	assert.Nil(t, got.NextScheduledRunTime)
	assert.Nil(t, got.LastRunTime)

	// Rewriting replaces the whole zone sequence.
	created.Name = "morning short"
	created.Zones = []model.ProgramZone{{ZoneID: z2.ID, DurationSeconds: 120}}
	require.NoError(t, UpdateProgram(conn, *created))

	got, err = GetProgramByID(conn, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "morning short", got.Name)
	require.Len(t, got.Zones, 1)
	assert.Equal(t, z2.ID, got.Zones[0].ZoneID)

	require.NoError(t, DeleteProgram(conn, created.ID))
	_, err = GetProgramByID(conn, created.ID)
	require.Error(t, err)

	// The cascade cleans up the zone sequence too.
	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM program_zones WHERE program_id = ?`, created.ID).Scan(&count))
	assert.Zero(t, count)
}

func TestProgramScheduleColumns(t *testing.T) {
	conn := openTestDB(t)

	created, err := CreateProgram(conn, model.Program{
		Name:       "morning",
		Enabled:    true,
		StartTime:  "06:00",
		DaysOfWeek: []int{2},
	})
	require.NoError(t, err)

	next := time.Date(2025, 6, 11, 6, 0, 0, 0, time.UTC)
	lastRun := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	require.NoError(t, UpdateProgramSchedule(conn, created.ID, &next, lastRun))

	got, err := GetProgramByID(conn, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextScheduledRunTime)
	assert.Equal(t, next, got.NextScheduledRunTime.UTC())
	require.NotNil(t, got.LastRunTime)
	assert.Equal(t, lastRun, got.LastRunTime.UTC())

	// A nil next run clears the column without touching last_run.
	require.NoError(t, UpdateProgramNextRun(conn, created.ID, nil))
	got, err = GetProgramByID(conn, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextScheduledRunTime)
	require.NotNil(t, got.LastRunTime)
}

func TestGetAllPrograms(t *testing.T) {
	conn := openTestDB(t)

	_, err := CreateProgram(conn, model.Program{Name: "morning", Enabled: true, StartTime: "06:00", DaysOfWeek: []int{1}})
	require.NoError(t, err)
	_, err = CreateProgram(conn, model.Program{Name: "evening", Enabled: false, StartTime: "19:30", DaysOfWeek: []int{0, 6}})
	require.NoError(t, err)

	programs, err := GetAllPrograms(conn)
	require.NoError(t, err)
	assert.Len(t, programs, 2)
}

func TestSeedZones_FreshDatabaseOnly(t *testing.T) {
	conn := openTestDB(t)

	ch := 1
	seed := []config.SeedZone{
		{Name: "front lawn", GPIOPort: 17, Enabled: true, MoistureChannel: &ch},
		{Name: "back lawn", GPIOPort: 21, Enabled: true},
	}
	require.NoError(t, SeedZones(conn, seed))

	zones, err := GetAllZones(conn)
	require.NoError(t, err)
	require.Len(t, zones, 2)

	byName := map[string]model.Zone{}
	for _, z := range zones {
		byName[z.Name] = z
	}
	assert.Equal(t, 1, byName["front lawn"].MoistureChannel)
	assert.Equal(t, -1, byName["back lawn"].MoistureChannel, "zones without a sensor get the sentinel channel")

	// A second seed against a populated table is ignored: the dashboard owns
	// the records now.
	require.NoError(t, SeedZones(conn, []config.SeedZone{{Name: "greenhouse", GPIOPort: 26, Enabled: true}}))
	zones, err = GetAllZones(conn)
	require.NoError(t, err)
	assert.Len(t, zones, 2)
}
