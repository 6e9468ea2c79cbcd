package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

func testDocument(id string) Document {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	return Document{
		SelfID:   "host-1",
		Sequence: 17,
		Session: collab.Session{
			ID:       id,
			RoomCode: "ABC123",
			HostID:   "host-1",
			Participants: []collab.Participant{
				{ID: "host-1", Name: "Avery", Role: collab.RoleHost, IsActive: true, JoinedAt: now, LastSeen: now},
			},
			Measurements: []collab.Measurement{
				{ID: "m1", AuthorID: "host-1", Points: []collab.Point{{X: 1}, {X: 2}}, Distance: 1, Unit: collab.UnitMeters, Time: now, Version: 3},
			},
			Cursors:   map[string]collab.CursorPosition{},
			CreatedAt: now,
			UpdatedAt: now,
			Settings:  collab.DefaultSettings(),
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	want := testDocument("sess-1")
	require.NoError(t, store.Save(want))

	got, err := store.Load("sess-1")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveReplacesPrevious(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	doc := testDocument("sess-1")
	require.NoError(t, store.Save(doc))

	doc.Sequence = 42
	doc.Session.Measurements[0].Version = 9
	require.NoError(t, store.Save(doc))

	got, err := store.Load("sess-1")
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.Sequence)
	require.Equal(t, uint64(9), got.Session.Measurements[0].Version)
}

func TestSaveRejectsMissingID(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Error(t, store.Save(Document{}))
}

func TestLoadMissingIsNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = store.Load("nope")
	require.ErrorIs(t, err, collab.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Save(testDocument("sess-1")))
	require.NoError(t, store.Delete("sess-1"))
	require.NoError(t, store.Delete("sess-1"))

	_, err = store.Load("sess-1")
	require.ErrorIs(t, err, collab.ErrNotFound)
}

func TestLoadAllSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Save(testDocument("good-1")))
	require.NoError(t, store.Save(testDocument("good-2")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{torn"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	docs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, docs, 2)

	ids := map[string]bool{}
	for _, d := range docs {
		ids[d.Session.ID] = true
	}
	require.True(t, ids["good-1"] && ids["good-2"])
}
