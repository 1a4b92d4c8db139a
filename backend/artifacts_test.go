package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactsRoundTrip(t *testing.T) {
	store, err := NewFilesystemArtifacts(t.TempDir())
	require.NoError(t, err)

	data := []byte(strings.Repeat("line of shell output\n", 2000))
	ref, err := store.PutArtifact(context.Background(), Artifact{
		SessionID: "s-1", TaskID: "t-1", CallID: "c-1", Name: "shell", Data: data,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "blake3:"))
	assert.Equal(t, ArtifactRef(data), ref)

	got, meta, err := store.GetArtifact(ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "c-1", meta.CallID)
	assert.Equal(t, len(data), meta.Size)
	assert.True(t, strings.HasPrefix(meta.ContentType, "text/plain"), meta.ContentType)

	body, _, err := store.paths(ref)
	require.NoError(t, err)
	info, err := os.Stat(body)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)), "body should be compressed")
}

func TestArtifactsDeduplicate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemArtifacts(dir)
	require.NoError(t, err)

	a := Artifact{SessionID: "s-1", CallID: "c-1", Data: []byte("same bytes")}
	ref1, err := store.PutArtifact(context.Background(), a)
	require.NoError(t, err)
	a.CallID = "c-2"
	ref2, err := store.PutArtifact(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	bodies, err := filepath.Glob(filepath.Join(dir, "*", "*.zst"))
	require.NoError(t, err)
	assert.Len(t, bodies, 1)
}

func TestArtifactsExplicitContentType(t *testing.T) {
	store, err := NewFilesystemArtifacts(t.TempDir())
	require.NoError(t, err)
	ref, err := store.PutArtifact(context.Background(), Artifact{Data: []byte(`{"a":1}`), ContentType: "application/json"})
	require.NoError(t, err)
	_, meta, err := store.GetArtifact(ref)
	require.NoError(t, err)
	assert.Equal(t, "application/json", meta.ContentType)
}

func TestArtifactsNotFound(t *testing.T) {
	store, err := NewFilesystemArtifacts(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.GetArtifact(ArtifactRef([]byte("never stored")))
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, _, err = store.GetArtifact("sha256:abc")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactsDetectCorruption(t *testing.T) {
	store, err := NewFilesystemArtifacts(t.TempDir())
	require.NoError(t, err)
	ref, err := store.PutArtifact(context.Background(), Artifact{Data: []byte("original")})
	require.NoError(t, err)

	body, _, err := store.paths(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(body, zstdEncoder.EncodeAll([]byte("tampered"), nil), 0o644))

	_, _, err = store.GetArtifact(ref)
	assert.ErrorContains(t, err, "failed verification")
}
