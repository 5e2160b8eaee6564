package ledger

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/backend/internal/db"
)

func newLedger(t *testing.T, retain int) *Ledger {
	t.Helper()
	d, err := db.NewSQLite("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d.DB(), retain, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLedger_Lifecycle(t *testing.T) {
	l := newLedger(t, 0)

	rec, err := l.Open(KindTranslate, "clip.wav", "10.0.0.1", map[string]string{"target_lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	l.Start(rec.ID)
	got, err := l.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"target_lang":"en"}`, string(got.Params))

	l.Finish(rec.ID, map[string]string{"language": "fr"}, nil)
	got, err = l.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"language":"fr"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "10.0.0.1", got.Client)
}

func TestLedger_Fail(t *testing.T) {
	l := newLedger(t, 0)

	rec, err := l.Open(KindTranscribe, "a.wav", "", nil)
	require.NoError(t, err)
	l.Start(rec.ID)
	l.Finish(rec.ID, nil, errors.New("engine down"))

	got, err := l.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "engine down", got.Error)
	assert.Nil(t, got.Params)
}

func TestLedger_ListFiltersAndOrders(t *testing.T) {
	l := newLedger(t, 0)

	var ids []string
	for _, k := range []Kind{KindTranscribe, KindStream, KindTranscribe} {
		rec, err := l.Open(k, string(k), "", nil)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}
	l.Complete(ids[2], nil)

	all, err := l.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	streams, err := l.List(Filter{Kind: KindStream})
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, ids[1], streams[0].ID)

	done, err := l.List(Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ids[2], done[0].ID)
}

func TestLedger_Retention(t *testing.T) {
	l := newLedger(t, 2)

	var last string
	for i := 0; i < 5; i++ {
		rec, err := l.Open(KindSynthesize, "text", "", nil)
		require.NoError(t, err)
		last = rec.ID
		time.Sleep(2 * time.Millisecond)
	}

	all, err := l.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, last, all[0].ID)
}

func TestLedger_GetUnknown(t *testing.T) {
	l := newLedger(t, 0)
	_, err := l.Get("nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLedger_NilIsNoop(t *testing.T) {
	var l *Ledger
	rec, err := l.Open(KindStream, "x", "", nil)
	assert.NoError(t, err)
	assert.Nil(t, rec)
	l.Start("x")
	l.Finish("x", nil, nil)

	list, err := l.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
	assert.Equal(t, strings.Repeat("é", 3)+"…", truncate(strings.Repeat("é", 10), 3))
}
