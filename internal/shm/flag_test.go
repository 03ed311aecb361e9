package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFlag_SharedBetweenHandles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	owner, err := CreateRunFlag(dir, "keep_running")
	require.NoError(t, err)
	defer owner.Close()

	peer, err := OpenRunFlag(dir, "keep_running")
	require.NoError(t, err)
	defer peer.Close()

	assert.True(t, owner.Running())
	assert.True(t, peer.Running())

	peer.Stop()
	assert.False(t, owner.Running())
}

func TestRunFlag_ContextCancelsWhenCleared(t *testing.T) {
	t.Parallel()
	flag, err := CreateRunFlag(t.TempDir(), "keep_running")
	require.NoError(t, err)
	defer flag.Close()

	ctx, cancel := flag.Context(context.Background(), time.Millisecond)
	defer cancel()

	flag.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Stop")
	}
}

func TestRunFlag_CloseByOwnerRemovesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	flag, err := CreateRunFlag(dir, "keep_running")
	require.NoError(t, err)
	require.NoError(t, flag.Close())
	assert.False(t, flag.Running())

	_, err = OpenRunFlag(dir, "keep_running")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}
