package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/socialsync/internal/model"
	"github.com/d60-Lab/socialsync/internal/repository"
)

func TestOutboxRelayRepublishesInBackground(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewOutboxRepository(db)
	pub := &recordingPublisher{}
	ctx := context.Background()

	for _, key := range []string{"post.created", "post.deleted"} {
		_, err := repo.Enqueue(ctx, key, []byte(`{"postId":"p1"}`))
		require.NoError(t, err)
	}

	relay := NewOutboxRelay(repo, pub, 1, 10, 10*time.Millisecond)
	stop := relay.Start()

	require.Eventually(t, func() bool { return len(pub.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, stop(stopCtx))

	// 按入队顺序补发
	sent := pub.sent()
	assert.Equal(t, "post.created", sent[0].key)
	assert.Equal(t, "post.deleted", sent[1].key)
}

func TestOutboxRelayKeepsFailedEvents(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewOutboxRepository(db)
	pub := &recordingPublisher{err: errUnavailable}
	ctx := context.Background()

	out, err := repo.Enqueue(ctx, "post.created", []byte(`{"postId":"p1"}`))
	require.NoError(t, err)

	relay := NewOutboxRelay(repo, pub, 1, 10, time.Second)
	n, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var row model.Outbox
	require.NoError(t, db.First(&row, "id = ?", out.ID).Error)
	assert.Equal(t, model.OutboxPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, errUnavailable.Error(), row.LastError)

	pub.setErr(nil)
	n, err = relay.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
