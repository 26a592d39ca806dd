package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/blob"
	"github.com/ericksa/contractlens/internal/chat"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/llm"
	"github.com/ericksa/contractlens/internal/store"
)

type recordingModel struct{ last llm.Request }

func (m *recordingModel) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	m.last = req
	return llm.Response{Text: "Upload a contract first."}, nil
}

func TestBuild_WiresChat(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	model := &recordingModel{}
	a, err := Assemble(ctx, config.Default(), zap.NewNop(), st, blobs, model)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Metrics)

	reply, err := a.Chat.Send(ctx, chat.SendRequest{UserID: "u1", Message: "Is my lease fair?"})
	require.NoError(t, err)
	require.NotNil(t, reply.Assistant)
	assert.Equal(t, "Upload a contract first.", reply.Assistant.Content)
	assert.Equal(t, chat.DefaultNoContextPrompt, model.last.System)

	docs, err := a.Lifecycle.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = a.Lifecycle.Upload(ctx, "u1", "lease.pdf", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBuild_MetricsDisabled(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Metrics.Enabled = false
	a, err := Assemble(ctx, cfg, zap.NewNop(), st, blobs, &recordingModel{})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Metrics)
}
