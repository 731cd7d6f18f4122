package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubObjectStorage(t *testing.T) {
	s := NewStubObjectStorage()
	ctx := context.Background()

	data := []byte("line\n")
	require.NoError(t, s.Upload(ctx, "archives/acct-1/3.jsonl", data, "application/x-ndjson"))
	data[0] = 'X'

	stored, ok := s.Object("archives/acct-1/3.jsonl")
	require.True(t, ok)
	assert.Equal(t, "line\n", string(stored), "upload keeps its own copy")

	link, expiresAt, err := s.GenerateDownloadURL(ctx, "archives/acct-1/3.jsonl", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://storage.example.com/download/archives/acct-1/3.jsonl?expires="))
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	assert.ErrorIs(t, s.Upload(ctx, "", nil, ""), ErrEmptyKey)
	_, _, err = s.GenerateDownloadURL(ctx, "", time.Hour)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, ok = s.Object("missing")
	assert.False(t, ok)
}
