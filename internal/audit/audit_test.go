package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ericksa/contractlens/internal/store"
)

func TestAuditor_LogAndRecent(t *testing.T) {
	s, err := store.OpenInMemory(context.Background())
	require.NoError(t, err)
	defer s.Close()

	a := New(s, zaptest.NewLogger(t))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a.Log(context.Background(), Entry{Operation: "classify", Provider: "openai", Model: "gpt-4o", SubjectID: "doc-1",
		Duration: 1500 * time.Millisecond, Timestamp: base})
	a.Log(context.Background(), Entry{Operation: "chat", Provider: "openai", Model: "gpt-4o-mini",
		Error: "upstream 500", Timestamp: base.Add(time.Minute)})

	entries, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "chat", entries[0].Operation)
	assert.Equal(t, "upstream 500", entries[0].Error)
	assert.Equal(t, "doc-1", entries[1].SubjectID)
	assert.Equal(t, 1500*time.Millisecond, entries[1].Duration)
}

func TestAuditor_LogSurvivesCanceledContext(t *testing.T) {
	s, err := store.OpenInMemory(context.Background())
	require.NoError(t, err)
	defer s.Close()

	a := New(s, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Log(ctx, Entry{Operation: "classify", Provider: "gemini", Model: "m"})

	entries, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditor_Nil(t *testing.T) {
	var a *Auditor
	assert.NotPanics(t, func() { a.Log(context.Background(), Entry{}) })
	entries, err := a.Recent(context.Background(), 1)
	assert.NoError(t, err)
	assert.Nil(t, entries)
}
