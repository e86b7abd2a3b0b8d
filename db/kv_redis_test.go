package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set STREAMWISE_TEST_REDIS=host:port to run against a live server
func TestRedisKV(t *testing.T) {
	addr := os.Getenv("STREAMWISE_TEST_REDIS")
	if addr == "" {
		t.Skip("STREAMWISE_TEST_REDIS not set")
	}

	ctx := context.Background()
	kv, err := NewRedisKV(ctx, RedisOptions{Addr: addr, Prefix: "streamwise_test:" + NewID() + ":"})
	require.NoError(t, err)
	s := NewKVStore(kv)
	defer s.Close()

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	conv := sampleConversation()
	_, err = s.SaveConversation(ctx, conv)
	require.NoError(t, err)

	got, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Title, got.Title)
	assert.Len(t, got.Messages, 2)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))
	require.NoError(t, kv.Delete(ctx, keyConversations))
}
