package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/domain"
)

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "u1/doc.pdf", []byte("%PDF-1.4"), "application/pdf"))
	data, err := s.Get(ctx, "u1/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	require.NoError(t, s.Delete(ctx, "u1/doc.pdf"))
	_, err = s.Get(ctx, "u1/doc.pdf")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "u1/doc.pdf"), "deleting a missing blob is not an error")
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "a/../../b"} {
		err := s.Put(context.Background(), key, []byte("x"), "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, key)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	s, err := New(context.Background(), config.BlobConfig{Backend: "fs", FS: config.FSConfig{BasePath: t.TempDir()}})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	_, err = New(context.Background(), config.BlobConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestMapMinIOError(t *testing.T) {
	err := mapMinIOError("k", minio.ErrorResponse{Code: "NoSuchKey"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = mapMinIOError("k", errors.New("connection refused"))
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}
