package repositories

import (
	"fmt"
	"log/slog"
	"math/rand"
	"peer-chat/domain"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T, dir string) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	return db
}

func messages(sender string, n int, at time.Time) []domain.Message {
	var res []domain.Message
	for i := 0; i < n; i++ {
		res = append(res, domain.NewMessage(sender, fmt.Sprintf("message %d", i), at.Add(time.Duration(i)*time.Second)))
	}
	return res
}

func Test_Read_Unknown_Transcript_Is_Empty(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), 0)

	fetched := repository.Read("Alice", "Bob")
	req.NotNil(fetched)
	req.Empty(fetched)
}

func Test_Append_Keeps_Insertion_Order(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), DefaultCapacity)

	at := time.Now().UTC()
	// Given messages whose timestamps are not monotonic
	stored := []domain.Message{
		domain.NewMessage("Alice", "first", at.Add(time.Minute)),
		domain.NewMessage("Bob", "second", at),
		domain.NewMessage("Alice", "third", at.Add(2*time.Minute)),
	}
	for _, m := range stored {
		req.NoError(repository.Append("Alice", "Bob", m))
	}

	// Then the transcript follows insertion order
	fetched := repository.Read("Alice", "Bob")
	req.Empty(cmp.Diff(stored, fetched))

	// And other transcripts are not affected
	req.Empty(repository.Read("Bob", "Alice"))
	req.Empty(repository.Read("Alice", "Bo"))
}

func Test_Append_Does_Not_Deduplicate(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), DefaultCapacity)

	m := domain.NewMessage("Alice", "hi", time.Now())
	req.NoError(repository.Append("Alice", "Bob", m))
	req.NoError(repository.Append("Alice", "Bob", m))

	req.Len(repository.Read("Alice", "Bob"), 2)
}

func Test_Append_Evicts_Oldest_Beyond_Capacity(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), DefaultCapacity)

	// When 130 messages are appended
	all := messages("Alice", 130, time.Now().UTC())
	for _, m := range all {
		req.NoError(repository.Append("Alice", "Bob", m))
	}

	// Then only the last 100 remain, in insertion order
	fetched := repository.Read("Alice", "Bob")
	req.Len(fetched, DefaultCapacity)
	req.Empty(cmp.Diff(all[30:], fetched))
}

func Test_Append_Random_Sequences_Stay_Bounded(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	capacity := 7
	repository := NewTranscriptRepository(db, slog.Default(), capacity)
	rnd := rand.New(rand.NewSource(42))

	var inserted []domain.Message
	at := time.Now().UTC()
	for i := 0; i < 60; i++ {
		m := domain.NewMessage("Alice", fmt.Sprintf("m%d", rnd.Intn(5)), at.Add(time.Duration(rnd.Intn(1000))*time.Millisecond))
		inserted = append(inserted, m)
		req.NoError(repository.Append("Alice", "Bob", m))

		// Then at any point the store holds at most capacity entries
		// And they are the last ones inserted, in order
		fetched := repository.Read("Alice", "Bob")
		req.LessOrEqual(len(fetched), capacity)
		from := max(0, len(inserted)-capacity)
		req.Empty(cmp.Diff(inserted[from:], fetched))
	}
}

func Test_Clear_Resets_Transcript(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), 3)

	for _, m := range messages("Alice", 5, time.Now()) {
		req.NoError(repository.Append("Alice", "Bob", m))
	}

	// When the transcript is cleared
	req.NoError(repository.Clear("Alice", "Bob"))
	req.Empty(repository.Read("Alice", "Bob"))

	// Then appends start again from an empty window
	fresh := domain.NewMessage("Bob", "again", time.Now())
	req.NoError(repository.Append("Alice", "Bob", fresh))
	req.Equal([]domain.Message{fresh}, repository.Read("Alice", "Bob"))
}

func Test_Transcript_Survives_Reopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	stored := messages("Alice", 3, time.Now().UTC())

	db := openDB(t, dir)
	repository := NewTranscriptRepository(db, slog.Default(), DefaultCapacity)
	for _, m := range stored {
		req.NoError(repository.Append("Alice", "group-1", m))
	}
	req.NoError(repository.SetCursor("Alice", "group-1", 12))
	req.NoError(db.Close())

	// When the database is opened again
	db = openDB(t, dir)
	defer db.Close()
	repository = NewTranscriptRepository(db, slog.Default(), DefaultCapacity)

	// Then rows and cursor are back
	req.Empty(cmp.Diff(stored, repository.Read("Alice", "group-1")))
	req.Equal(uint64(12), repository.Cursor("Alice", "group-1"))
	req.Equal(uint64(0), repository.Cursor("Alice", "group-2"))
}

func Test_Rows_Lists_Messages_Without_Metadata(t *testing.T) {
	req := require.New(t)
	db := openDB(t, t.TempDir())
	defer db.Close()
	repository := NewTranscriptRepository(db, slog.Default(), DefaultCapacity)

	// Given two transcripts and a group cursor
	at := time.Now().UTC()
	req.NoError(repository.Append("Alice", "Bob", domain.NewMessage("Alice", "hi bob", at)))
	req.NoError(repository.Append("Alice", "group-1", domain.NewMessage("Carol", "hi all", at)))
	req.NoError(repository.SetCursor("Alice", "group-1", 3))

	// When every row is listed
	rows, err := repository.Rows("")
	req.NoError(err)

	// Then only message rows come back in key order
	req.Len(rows, 2)
	req.Equal("messages_Alice_Bob/0000000000000000000", rows[0].Key)
	req.Equal("hi bob", rows[0].Message.Text)
	req.Equal("hi all", rows[1].Message.Text)

	// And a prefix narrows the listing
	rows, err = repository.Rows(domain.TranscriptKey("Alice", "group-1"))
	req.NoError(err)
	req.Len(rows, 1)
	req.Equal("Carol", rows[0].Message.SenderID)
}
