package storage

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lounge/internal/history"
)

// openTestDB connects to the database named by CHAT_TEST_POSTGRES_DSN,
// applies migrations and empties the tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAT_TEST_POSTGRES_DSN not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, Migrate(db))
	_, err = db.Exec(`TRUNCATE chat_journal, chat_archive, chat_notice`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrations_Paired(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func msg(id, kind, from, to, content string, ts time.Time) history.Message {
	return history.Message{
		ID:                id,
		Kind:              kind,
		Sender:            history.Sender{LogicalID: "id-" + from, Nickname: from},
		RecipientNickname: to,
		Content:           content,
		Timestamp:         ts,
	}
}

func TestHistory_JournalRoundTrip(t *testing.T) {
	h := NewHistory(openTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.Insert(ctx, msg(id, history.KindText, "alice", "", id, base.Add(time.Duration(i)*time.Second))))
	}
	// Duplicate inserts are ignored.
	require.NoError(t, h.Insert(ctx, msg("a", history.KindText, "alice", "", "a", base)))

	recent, err := h.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)

	all, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "zero limit returns every row")
	assert.Equal(t, "a", all[0].ID)

	require.NoError(t, h.Delete(ctx, []string{"b", "c"}))
	recent, err = h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].ID)
}

func TestHistory_ArchiveIdempotentAndVisibility(t *testing.T) {
	h := NewHistory(openTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	batch := []history.Message{
		msg("1", history.KindText, "alice", "", "hello", base),
		msg("2", history.KindWhisper, "alice", "bob", "psst", base.Add(time.Second)),
		msg("3", history.KindText, "carol", "", "hi", base.Add(2*time.Second)),
	}
	require.NoError(t, h.Archive(ctx, batch))
	require.NoError(t, h.Archive(ctx, batch))

	all, err := h.Query(ctx, history.Viewer{All: true}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)
	assert.True(t, all[0].Archived)

	bob, err := h.Query(ctx, history.Viewer{LogicalID: "id-bob", Nickname: "bob"}, 0)
	require.NoError(t, err)
	require.Len(t, bob, 3)

	dave, err := h.Query(ctx, history.Viewer{LogicalID: "id-dave", Nickname: "dave"}, 0)
	require.NoError(t, err)
	require.Len(t, dave, 2)

	limited, err := h.Query(ctx, history.Viewer{All: true}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestHistory_BacksStore(t *testing.T) {
	h := NewHistory(openTestDB(t))
	ctx := context.Background()

	s := history.New(history.Config{Capacity: 2, Batch: 1}, h, h, zerolog.Nop())
	for _, c := range []string{"one", "two", "three", "four"} {
		s.Append(ctx, history.Message{Kind: history.KindText, Sender: history.Sender{LogicalID: "x", Nickname: "x"}, Content: c})
	}
	s.Close()

	journal, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, journal, 2)

	archived, err := h.Query(ctx, history.Viewer{All: true}, 0)
	require.NoError(t, err)
	require.Len(t, archived, 2)
}

func TestNotices(t *testing.T) {
	n := NewNotices(openTestDB(t))
	ctx := context.Background()

	got, err := n.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, n.Save(ctx, "be kind", "admin-1"))
	require.NoError(t, n.Save(ctx, "be very kind", "admin-1"))
	got, err = n.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "be very kind", got)
}
