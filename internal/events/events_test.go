package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/socialsync/pkg/eventbus"
)

func envelope(key, body string) eventbus.Envelope {
	return eventbus.Envelope{RoutingKey: key, Body: []byte(body)}
}

func TestDecodePostCreated(t *testing.T) {
	evt, err := DecodePostCreated(envelope(PostCreated,
		`{"postId":"p1","userId":"u1","content":"hello world","createdAt":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", evt.PostID)
	assert.Equal(t, "u1", evt.UserID)
	assert.Equal(t, "hello world", evt.Content)
	assert.True(t, evt.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestDecodePostCreatedRejectsMissingFields(t *testing.T) {
	bodies := []string{
		`{"userId":"u1","content":"x","createdAt":"2024-05-01T10:00:00Z"}`,
		`{"postId":"p1","content":"x","createdAt":"2024-05-01T10:00:00Z"}`,
		`{"postId":"p1","userId":"u1","createdAt":"2024-05-01T10:00:00Z"}`,
		`{"postId":"p1","userId":"u1","content":"x"}`,
		`{"postId":null,"userId":"u1","content":"x","createdAt":"2024-05-01T10:00:00Z"}`,
	}
	for _, b := range bodies {
		_, err := DecodePostCreated(envelope(PostCreated, b))
		require.Error(t, err, b)
		assert.True(t, eventbus.IsPermanent(err), b)
		assert.ErrorIs(t, err, eventbus.ErrMalformed, b)
	}
}

func TestDecodePostDeleted(t *testing.T) {
	evt, err := DecodePostDeleted(envelope(PostDeleted, `{"postId":"p1","mediaIds":["m1","m2"]}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", evt.PostID)
	assert.Equal(t, []string{"m1", "m2"}, evt.MediaIDs)
	assert.Empty(t, evt.UserID)

	evt, err = DecodePostDeleted(envelope(PostDeleted, `{"postId":"p2"}`))
	require.NoError(t, err)
	assert.NotNil(t, evt.MediaIDs)
	assert.Empty(t, evt.MediaIDs)
}

func TestDecodePostDeletedRejectsBadInput(t *testing.T) {
	for _, b := range []string{`{"mediaIds":["m1"]}`, `{"postId":"p1","mediaIds":["m1",""]}`, `{"postId":7}`} {
		_, err := DecodePostDeleted(envelope(PostDeleted, b))
		require.Error(t, err, b)
		assert.True(t, eventbus.IsPermanent(err), b)
	}
}
