package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"peer-chat/domain"
	"peer-chat/repositories"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestDebugServer_inspect_lists_rows(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()
	transcripts := repositories.NewTranscriptRepository(db, slog.Default(), repositories.DefaultCapacity)

	// Given one message per target
	at := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)
	req.NoError(transcripts.Append("alice", "bob", domain.NewMessage("alice", "hi bob", at)))
	req.NoError(transcripts.Append("alice", "carol", domain.NewMessage("carol", "hi alice", at)))
	server := NewDebugServer(transcripts, func() map[string]any {
		return map[string]any{"bob": string(domain.Connected)}
	}, slog.Default())

	// When the bob transcript is inspected
	resp, err := server.handler().Test(httptest.NewRequest(http.MethodGet, "/inspect?prefix=messages_alice_bob", nil))
	req.NoError(err)
	defer resp.Body.Close()

	// Then only its row is listed along with the stats
	req.Equal(http.StatusOK, resp.StatusCode)
	var page PageData
	req.NoError(json.NewDecoder(resp.Body).Decode(&page))
	req.Len(page.Items, 1)
	req.Equal("hi bob", page.Items[0].Text)
	req.Equal("10:30:00", page.Items[0].Timestamp)
	req.Equal(string(domain.Connected), page.Stats["bob"])
}
