package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "livecam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestSessions(t *testing.T) {
	db := openTestDB(t)

	started := time.Now().UTC().Truncate(time.Second)
	s := &SessionRecord{SourceID: "/dev/video0", SourceName: "Camera 1", Policy: "interval(3s)", StartedAt: started}
	require.NoError(t, db.StartSession(s))
	require.NotEmpty(t, s.ID)

	got, err := db.GetSession(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Camera 1", got.SourceName)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.StoppedAt)

	require.NoError(t, db.EndSession(s.ID, started.Add(time.Minute)))
	got, err = db.GetSession(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StoppedAt)
	assert.True(t, got.StoppedAt.Equal(started.Add(time.Minute)))

	missing, err := db.GetSession("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOutcomes(t *testing.T) {
	db := openTestDB(t)

	s := &SessionRecord{SourceID: "/dev/video0", StartedAt: time.Now()}
	require.NoError(t, db.StartSession(s))

	base := time.Now().UTC().Truncate(time.Millisecond)
	records := []*OutcomeRecord{
		{
			SessionID: s.ID, SourceID: s.SourceID, FrameIndex: 3, FrameTime: base, Status: "succeeded",
			SubmittedAt: base, CompletedAt: base.Add(100 * time.Millisecond), LatencyMs: 100,
			Regions: []RegionRecord{{X: 1, Y: 2, Width: 3, Height: 4, Attributes: map[string]string{"age": "31"}}},
			Tags:    []string{"person"},
		},
		{
			SessionID: s.ID, SourceID: s.SourceID, FrameIndex: 40, FrameTime: base, Status: "timed_out",
			SubmittedAt: base, CompletedAt: base.Add(3 * time.Second), LatencyMs: 3000, Error: "analysis timed out",
		},
		{
			SessionID: s.ID, SourceID: s.SourceID, FrameIndex: 90, FrameTime: base, Status: "succeeded",
			SubmittedAt: base, CompletedAt: base.Add(5 * time.Second), LatencyMs: 80,
		},
	}
	for _, r := range records {
		require.NoError(t, db.SaveOutcome(r))
		assert.NotEmpty(t, r.ID)
	}

	list, err := db.ListOutcomes(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint64(90), list[0].FrameIndex)
	assert.Equal(t, uint64(3), list[2].FrameIndex)
	assert.Equal(t, records[0].Regions, list[2].Regions)
	assert.Equal(t, []string{"person"}, list[2].Tags)
	assert.Equal(t, "analysis timed out", list[1].Error)

	limited, err := db.ListOutcomes("", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	counts, err := db.CountByStatus(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"succeeded": 2, "timed_out": 1}, counts)

	deleted, err := db.DeleteOldOutcomes(base.Add(4 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	v, err := db.GetSetting("last_source")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SaveSetting("last_source", "/dev/video0"))
	require.NoError(t, db.SaveSetting("last_source", "/dev/video2"))
	v, err = db.GetSetting("last_source")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video2", v)
}

func TestForeignKeysOnEveryConnection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := db.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)

		var on int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on))
		assert.Equal(t, 1, on, "connection %d", i)
	}
	for _, conn := range conns {
		conn.Close()
	}

	err := db.SaveOutcome(&OutcomeRecord{
		SessionID: "no-such-session", SourceID: "/dev/video0", FrameTime: time.Now(), Status: "succeeded",
		SubmittedAt: time.Now(), CompletedAt: time.Now(),
	})
	assert.Error(t, err)
}
