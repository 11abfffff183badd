package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()
	return NewMessageStore(openTestDB(t), 2*time.Second)
}

// backdate rewrites a message's creation time, bypassing the store API.
func backdate(t *testing.T, s *MessageStore, id string, createdAt time.Time) {
	t.Helper()
	err := s.db.Model(&models.Message{}).Where("id = ?", id).UpdateColumn("created_at", createdAt).Error
	require.NoError(t, err)
}

func TestAppend_PlainMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{
		RoomID:      "general",
		UserEmail:   "a@x.com",
		DisplayName: "Alice",
		Body:        "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "message", w.Type)
	assert.Equal(t, "general", w.RoomID)
	assert.Equal(t, "a@x.com", w.UserEmail)
	assert.Equal(t, "hello", w.Message)
	assert.Equal(t, models.MessageTypeText, w.MessageType)
	assert.Empty(t, w.TopicID, "a message that starts no thread has no topic")
	assert.Nil(t, w.ReplyTo)
	assert.NotEmpty(t, w.ID)
	_, err = time.Parse(time.RFC3339, w.Timestamp)
	assert.NoError(t, err, "timestamp must be wire-formatted")
}

func TestAppend_NormalizesAuthorEmail(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Append(context.Background(), AppendInput{
		RoomID: "general", UserEmail: "  A@X.Com ", DisplayName: "Alice", Body: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", w.UserEmail)
}

func TestAppend_ReplySetsSnapshotTopicAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "hello"})
	require.NoError(t, err)

	reply, err := s.Append(ctx, AppendInput{
		RoomID: "general", UserEmail: "b@x.com", DisplayName: "Bob", Body: "hi back", ReplyToID: parent.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, parent.ID, reply.TopicID)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, parent.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, "a@x.com", reply.ReplyTo.UserEmail)
	assert.Equal(t, "hello", reply.ReplyTo.Body)

	var stored models.Message
	require.NoError(t, s.db.First(&stored, "id = ?", parent.ID).Error)
	assert.Equal(t, 1, stored.ReplyCount)
}

func TestAppend_ThreadChainSharesOneTopic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "root"})
	require.NoError(t, err)

	prev := root
	for i := 0; i < 4; i++ {
		reply, err := s.Append(ctx, AppendInput{
			RoomID: "general", UserEmail: "b@x.com", DisplayName: "Bob",
			Body: fmt.Sprintf("reply %d", i), ReplyToID: prev.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, root.ID, reply.TopicID, "every reply in the chain resolves to the chain's first message")
		prev = reply
	}
}

func TestAppend_ReplySnapshotSurvivesParentEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "original"})
	require.NoError(t, err)
	reply, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "b@x.com", DisplayName: "Bob", Body: "re", ReplyToID: parent.ID})
	require.NoError(t, err)

	_, err = s.Edit(ctx, parent.ID, "rewritten", "a@x.com", 15*time.Minute)
	require.NoError(t, err)

	var stored models.Message
	require.NoError(t, s.db.First(&stored, "id = ?", reply.ID).Error)
	require.NotNil(t, stored.ReplyTo)
	assert.Equal(t, "original", stored.ReplyTo.Body, "snapshot must not follow the parent's edit")
}

func TestAppend_MissingParentStoresPlainMessage(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Append(context.Background(), AppendInput{
		RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "orphan", ReplyToID: "no-such-id",
	})
	require.NoError(t, err)
	assert.Empty(t, w.TopicID)
	assert.Nil(t, w.ReplyTo)
}

func TestRecent_ChronologicalAndBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		backdate(t, s, w.ID, time.Now().UTC().Add(time.Duration(i-10)*time.Minute))
	}

	got, err := s.Recent(ctx, "general", 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "m2", got[0].Message)
	assert.Equal(t, "m5", got[3].Message)
	for i := 1; i < len(got); i++ {
		prev, _ := time.Parse(time.RFC3339, got[i-1].Timestamp)
		cur, _ := time.Parse(time.RFC3339, got[i].Timestamp)
		assert.False(t, cur.Before(prev), "results must be in non-decreasing creation order")
	}
}

func TestRecent_SkipsDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keep, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "keep"})
	require.NoError(t, err)
	gone, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "gone"})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, gone.ID, "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Recent(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
}

func TestRecent_CacheInvalidatedByAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "first"})
	require.NoError(t, err)

	// Prime the default-page cache.
	first, err := s.Recent(ctx, "general", DefaultHistoryLimit, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "second"})
	require.NoError(t, err)

	second, err := s.Recent(ctx, "general", DefaultHistoryLimit, 0)
	require.NoError(t, err)
	assert.Len(t, second, 2, "append must invalidate the cached default page")
}

func TestEdit_RoundTripPreservesIdentityAndPlacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "root"})
	require.NoError(t, err)
	reply, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "typo", ReplyToID: root.ID})
	require.NoError(t, err)

	edited, err := s.Edit(ctx, reply.ID, "fixed", "a@x.com", 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, reply.ID, edited.ID)
	assert.Equal(t, reply.RoomID, edited.RoomID)
	assert.Equal(t, reply.TopicID, edited.TopicID)
	assert.Equal(t, "fixed", edited.Message)
	assert.True(t, edited.Edited)
}

func TestEdit_ForeignAuthorRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "mine"})
	require.NoError(t, err)

	_, err = s.Edit(ctx, w.ID, "stolen", "b@x.com", 15*time.Minute)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestEdit_MissingMessageRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Edit(context.Background(), "no-such-id", "x", "a@x.com", 15*time.Minute)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestEdit_WindowBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := 15 * time.Minute

	// Just inside the window: allowed.
	inside, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "early"})
	require.NoError(t, err)
	backdate(t, s, inside.ID, time.Now().UTC().Add(-window+5*time.Second))
	_, err = s.Edit(ctx, inside.ID, "still fine", "a@x.com", window)
	assert.NoError(t, err, "elapsed time not exceeding the window must be accepted")

	// Strictly past the window: rejected.
	outside, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "late"})
	require.NoError(t, err)
	backdate(t, s, outside.ID, time.Now().UTC().Add(-window-time.Minute))
	_, err = s.Edit(ctx, outside.ID, "too late", "a@x.com", window)
	var we *WindowExpiredError
	assert.ErrorAs(t, err, &we)
}

func TestEdit_ExpiredErrorReportsElapsedMinutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "old"})
	require.NoError(t, err)
	backdate(t, s, w.ID, time.Now().UTC().Add(-20*time.Minute))

	_, err = s.Edit(ctx, w.ID, "nope", "a@x.com", 15*time.Minute)
	var we *WindowExpiredError
	require.ErrorAs(t, err, &we)
	assert.Contains(t, we.Error(), "20 minutes ago")
}

func TestDelete_SoftDeleteSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "secret"})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, w.ID, "b@x.com")
	require.NoError(t, err)
	assert.False(t, ok, "only the author may soft-delete")

	ok, err = s.Delete(ctx, w.ID, "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, w.ID, "a@x.com")
	require.NoError(t, err)
	assert.False(t, ok, "already-deleted message cannot be deleted again")

	var stored models.Message
	require.NoError(t, s.db.First(&stored, "id = ?", w.ID).Error)
	assert.True(t, stored.Deleted)
	assert.NotEqual(t, "secret", stored.Body, "soft delete replaces the body with a marker")
}

func TestHardDelete_RemovesRowAndReactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "purge me"})
	require.NoError(t, err)
	_, err = s.React(ctx, w.ID, "b@x.com", "👍")
	require.NoError(t, err)

	ok, err := s.HardDelete(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var msgCount, reactCount int64
	s.db.Model(&models.Message{}).Where("id = ?", w.ID).Count(&msgCount)
	s.db.Model(&models.Reaction{}).Where("message_id = ?", w.ID).Count(&reactCount)
	assert.Zero(t, msgCount)
	assert.Zero(t, reactCount)
}

func TestReact_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "react to me"})
	require.NoError(t, err)

	added, err := s.React(ctx, w.ID, "b@x.com", "🎉")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.React(ctx, w.ID, "b@x.com", "🎉")
	require.NoError(t, err)
	assert.False(t, added, "same (author, emoji) pair is a no-op")

	reactions, err := s.Reactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, reactions, 1)

	// A different emoji from the same author is a distinct set member.
	added, err = s.React(ctx, w.ID, "b@x.com", "👍")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestReact_UnknownMessage(t *testing.T) {
	s := newTestStore(t)
	_, err := s.React(context.Background(), "no-such-id", "a@x.com", "👍")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeOlderThan_ScopedAndCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old1, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "old general"})
	require.NoError(t, err)
	old2, err := s.Append(ctx, AppendInput{RoomID: "h1b", UserEmail: "a@x.com", DisplayName: "Alice", Body: "old h1b"})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: "fresh"})
	require.NoError(t, err)

	cutoff := time.Now().UTC().AddDate(0, 0, -40)
	backdate(t, s, old1.ID, cutoff)
	backdate(t, s, old2.ID, cutoff)

	n, err := s.PurgeOlderThan(ctx, 30, "general")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "room-scoped purge must not touch other rooms")

	n, err = s.PurgeOlderThan(ctx, 30, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTrimRoom_KeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		w, err := s.Append(ctx, AppendInput{RoomID: "general", UserEmail: "a@x.com", DisplayName: "Alice", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		backdate(t, s, w.ID, time.Now().UTC().Add(time.Duration(i-10)*time.Minute))
		ids = append(ids, w.ID)
	}

	n, err := s.TrimRoom(ctx, "general", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := s.Recent(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[3], got[0].ID)
	assert.Equal(t, ids[4], got[1].ID)
}
