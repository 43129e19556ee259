package scheduler

import (
	"database/sql"
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

type fakeStarter struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeStarter) Start(programID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, programID)
	return nil
}

func (f *fakeStarter) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	require.NoError(t, db.EnsureSchema(conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addProgram(t *testing.T, conn *sql.DB, name string, enabled bool, next *time.Time) model.Program {
	t.Helper()
	p, err := db.CreateProgram(conn, model.Program{
		Name:       name,
		Enabled:    enabled,
		StartTime:  "06:00",
		DaysOfWeek: []int{1, 3, 5},
	})
	require.NoError(t, err)
	require.NoError(t, db.UpdateProgramNextRun(conn, p.ID, next))
	p.NextScheduledRunTime = next
	return *p
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSelectDueProgram(t *testing.T) {
	now := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	earlier := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		programs []model.Program
		want     string // program name, "" for none
	}{
		{
			name: "single due program",
			programs: []model.Program{
				{Name: "morning", Enabled: true, NextScheduledRunTime: &past},
			},
			want: "morning",
		},
		{
			name: "not yet due",
			programs: []model.Program{
				{Name: "evening", Enabled: true, NextScheduledRunTime: &future},
			},
			want: "",
		},
		{
			name: "disabled program never fires",
			programs: []model.Program{
				{Name: "winterized", Enabled: false, NextScheduledRunTime: &past},
			},
			want: "",
		},
		{
			name: "no computed next run",
			programs: []model.Program{
				{Name: "unscheduled", Enabled: true, NextScheduledRunTime: nil},
			},
			want: "",
		},
		{
			name: "due exactly now",
			programs: []model.Program{
				{Name: "on-the-dot", Enabled: true, NextScheduledRunTime: &now},
			},
			want: "on-the-dot",
		},
		{
			name: "earliest overdue wins",
			programs: []model.Program{
				{Name: "later", Enabled: true, NextScheduledRunTime: &past},
				{Name: "earlier", Enabled: true, NextScheduledRunTime: &earlier},
			},
			want: "earlier",
		},
		{
			name: "exact tie falls to list order",
			programs: []model.Program{
				{Name: "first", Enabled: true, NextScheduledRunTime: &past},
				{Name: "second", Enabled: true, NextScheduledRunTime: &past},
			},
			want: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectDueProgram(tt.programs, now)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestRunTick_StartsDueProgram(t *testing.T) {
	conn := openTestDB(t)
	st := status.NewManager(conn)
	starter := &fakeStarter{}
	clock := clockwork.NewFakeClock()

	due := addProgram(t, conn, "morning", true, timePtr(clock.Now().Add(-time.Minute)))
	addProgram(t, conn, "evening", true, timePtr(clock.Now().Add(time.Hour)))

	s := New(conn, st, starter, clock, time.UTC)
	s.RunTick()

	assert.Equal(t, []string{due.ID}, starter.Started())
}

func TestRunTick_NeverPreempts(t *testing.T) {
	conn := openTestDB(t)
	st := status.NewManager(conn)
	starter := &fakeStarter{}
	clock := clockwork.NewFakeClock()

	running := addProgram(t, conn, "morning", true, timePtr(clock.Now().Add(-time.Hour)))
	addProgram(t, conn, "evening", true, timePtr(clock.Now().Add(-time.Minute)))

	acquired, err := st.AcquireProgram(running.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	s := New(conn, st, starter, clock, time.UTC)
	s.RunTick()

	assert.Empty(t, starter.Started(), "a tick must not start anything while a run is active")
}

func TestRunTick_RecordsLastRun(t *testing.T) {
	conn := openTestDB(t)
	st := status.NewManager(conn)
	clock := clockwork.NewFakeClock()

	s := New(conn, st, &fakeStarter{}, clock, time.UTC)
	s.RunTick()

	got, err := st.Get()
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC(), got.LastSchedulerRun.UTC())
}

func TestRunTick_NothingDue(t *testing.T) {
	conn := openTestDB(t)
	st := status.NewManager(conn)
	starter := &fakeStarter{}
	clock := clockwork.NewFakeClock()

	addProgram(t, conn, "evening", true, timePtr(clock.Now().Add(time.Hour)))

	s := New(conn, st, starter, clock, time.UTC)
	s.RunTick()

	assert.Empty(t, starter.Started())
}

func TestRecalculateAllSchedules(t *testing.T) {
	conn := openTestDB(t)
	st := status.NewManager(conn)
	clock := clockwork.NewFakeClock()

	p := addProgram(t, conn, "morning", true, nil)
	noDays, err := db.CreateProgram(conn, model.Program{
		Name:      "paused",
		Enabled:   true,
		StartTime: "06:00",
	})
	require.NoError(t, err)
	require.NoError(t, db.UpdateProgramNextRun(conn, noDays.ID, timePtr(clock.Now())))

	s := New(conn, st, &fakeStarter{}, clock, time.UTC)
	s.RecalculateAllSchedules()

	got, err := db.GetProgramByID(conn, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextScheduledRunTime, "a scheduled program must get a next run")
	assert.False(t, got.NextScheduledRunTime.Before(clock.Now()), "next run must not be in the past")

	gotNoDays, err := db.GetProgramByID(conn, noDays.ID)
	require.NoError(t, err)
	assert.Nil(t, gotNoDays.NextScheduledRunTime, "a program with no scheduled days must have its next run cleared")
}
