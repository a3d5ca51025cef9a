package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/convstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conversations.db"), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

type releaseRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *releaseRecorder) ReleasePayloads(_ context.Context, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, paths...)
}

func (r *releaseRecorder) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.paths)
	slices.Sort(out)
	return out
}

func requireConsistent(t *testing.T, s *Store) {
	t.Helper()
	report, err := s.Check(context.Background())
	require.NoError(t, err)
	require.Truef(t, report.Consistent(), "inconsistent store: %+v", report)
}

func mustThread(t *testing.T, s *Store, addrs ...string) int64 {
	t.Helper()
	id, err := s.GetOrCreateThread(context.Background(), addrs, "")
	require.NoError(t, err)
	return id
}

func mustSimple(t *testing.T, s *Store, msg store.SimpleMessage) *store.SimpleMessage {
	t.Helper()
	m, err := s.CreateSimple(context.Background(), msg)
	require.NoError(t, err)
	return m
}

func mustRich(t *testing.T, s *Store, msg store.RichMessage) *store.RichMessage {
	t.Helper()
	m, err := s.CreateRich(context.Background(), msg)
	require.NoError(t, err)
	return m
}

func TestConnectTwice(t *testing.T) {
	s := newTestStore(t)
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, store.ErrAlreadyConnected)

	res := s.LastMigration()
	assert.Equal(t, store.MigrationResult{From: 0, To: CurrentVersion}, res)
}

func TestOperationsBeforeConnect(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.GetThread(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotConnected)
	_, err = s.CreateSimple(context.Background(), store.SimpleMessage{ThreadID: 1, Box: store.BoxInbox})
	assert.ErrorIs(t, err, store.ErrNotConnected)
}

func TestGetOrCreateThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("normalizes and reuses", func(t *testing.T) {
		a, err := s.GetOrCreateThread(ctx, []string{"+1 (555) 010-0001"}, "")
		require.NoError(t, err)
		b, err := s.GetOrCreateThread(ctx, []string{"+15550100001", "+1 555 010 0001"}, "")
		require.NoError(t, err)
		assert.Equal(t, a, b)

		th, err := s.GetThread(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, store.ThreadPointToPoint, th.Kind)
		assert.Len(t, th.RecipientIDs, 1)
	})

	t.Run("group thread", func(t *testing.T) {
		id, err := s.GetOrCreateThread(ctx, []string{"Alice@Example.com", "+15550100002"}, "")
		require.NoError(t, err)
		th, err := s.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.ThreadGroup, th.Kind)

		addrs, err := s.ThreadAddresses(ctx, id)
		require.NoError(t, err)
		var values []string
		for _, a := range addrs {
			values = append(values, a.Value)
		}
		slices.Sort(values)
		assert.Equal(t, []string{"+15550100002", "alice@example.com"}, values)
	})

	t.Run("subject key separates threads", func(t *testing.T) {
		a, err := s.GetOrCreateThread(ctx, []string{"+15550100003"}, "")
		require.NoError(t, err)
		b, err := s.GetOrCreateThread(ctx, []string{"+15550100003"}, "project")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("empty set", func(t *testing.T) {
		_, err := s.GetOrCreateThread(ctx, []string{" ", ""}, "")
		assert.ErrorIs(t, err, store.ErrEmptyAddresses)
	})
}

func TestSimpleMessageMaintainsThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550101")

	m := mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 1000, Body: "hello there"})
	assert.NotZero(t, m.ID)

	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), th.MessageCount)
	assert.Equal(t, int64(1000), th.Date)
	assert.Equal(t, "hello there", th.Snippet)
	assert.Equal(t, store.CharsetUTF8, th.SnippetCharset)
	assert.False(t, th.Read)

	hits, err := s.Search(ctx, "there", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, store.IndexEntry{ID: m.ID, Text: "hello there", SourceID: m.ID, Source: store.SourceSimple}, hits[0])

	n, err := s.MarkThreadRead(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.True(t, th.Read)

	requireConsistent(t, s)
}

func TestDraftsDoNotCountButKeepThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550102")

	inbox := mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 1000, Body: "hi"})
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxDraft, Date: 2000, Body: "unsent reply"})

	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), th.MessageCount)
	assert.Equal(t, "hi", th.Snippet)

	_, err = s.DeleteSimple(ctx, []store.Filter{store.SimpleID(inbox.ID)})
	require.NoError(t, err)

	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err, "draft keeps the thread")
	assert.Equal(t, int64(0), th.MessageCount)
	assert.Equal(t, "", th.Snippet)
	assert.Equal(t, int64(0), th.Date)
	assert.True(t, th.Read)

	swept, err := s.DeleteObsoleteThreads(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
	_, err = s.GetThread(ctx, tid)
	require.NoError(t, err, "sweep keeps the draft thread")
	requireConsistent(t, s)
}

func TestSnippetSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("rich wins equal timestamps", func(t *testing.T) {
		s := newTestStore(t)
		tid := mustThread(t, s, "+15550103")
		mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 5_000_000, Body: "plain"})
		mustRich(t, s, store.RichMessage{
			ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Date: 5_000,
			Subject: "picture", SubjectCharset: store.CharsetUTF8,
		})

		th, err := s.GetThread(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, "picture", th.Snippet)
		assert.Equal(t, int64(5_000_000), th.Date)
		assert.Equal(t, int64(2), th.MessageCount)
	})

	t.Run("newer simple wins", func(t *testing.T) {
		s := newTestStore(t)
		tid := mustThread(t, s, "+15550104")
		mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Date: 5_000, Subject: "old"})
		mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 5_000_001, Body: "new"})

		th, err := s.GetThread(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, "new", th.Snippet)
	})

	t.Run("subjectless rich uses first text part", func(t *testing.T) {
		s := newTestStore(t)
		tid := mustThread(t, s, "+15550105")
		mustRich(t, s, store.RichMessage{
			ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Date: 10,
			Parts: []store.Part{
				{Seq: 0, ContentType: store.ContentTypeSMIL, Text: "<smil/>"},
				{Seq: 1, ContentType: store.ContentTypeText, Text: "body text", Charset: 4},
			},
		})

		th, err := s.GetThread(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, "body text", th.Snippet)
		assert.Equal(t, 4, th.SnippetCharset)
		assert.False(t, th.HasAttachment)
	})

	t.Run("newer rich wins", func(t *testing.T) {
		s := newTestStore(t)
		tid := mustThread(t, s, "+15550107")
		mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 1_000, Body: "old sms"})
		mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Date: 50, Subject: "newer mms"})

		th, err := s.GetThread(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, int64(50_000), th.Date)
		assert.Equal(t, "newer mms", th.Snippet)
	})

	t.Run("uncounted types are ignored", func(t *testing.T) {
		s := newTestStore(t)
		tid := mustThread(t, s, "+15550106")
		mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: 1_000, Body: "counted"})
		mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeDeliveryReport, Date: 9_999, Subject: "report"})

		th, err := s.GetThread(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, int64(1), th.MessageCount)
		assert.Equal(t, "counted", th.Snippet)
	})
}

func TestDeleteLastMessageReclaimsThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550107")
	shared := mustThread(t, s, "+15550107", "+15550108")
	m := mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxSent, Body: "bye"})
	mustSimple(t, s, store.SimpleMessage{ThreadID: shared, Box: store.BoxSent, Body: "group"})

	n, err := s.DeleteSimple(ctx, []store.Filter{store.SimpleID(m.ID)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetThread(ctx, tid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ThreadAddresses(ctx, tid)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The address is still used by the group thread.
	addrs, err := s.ThreadAddresses(ctx, shared)
	require.NoError(t, err)
	assert.Len(t, addrs, 2)

	hits, err := s.Search(ctx, "bye", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	requireConsistent(t, s)
}

func TestFailedWriteLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSimple(ctx, store.SimpleMessage{ThreadID: 999, Box: store.BoxInbox, Body: "lost"})
	assert.ErrorIs(t, err, store.ErrInvalidThread)

	n, err := s.CountSimple(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	hits, err := s.Search(ctx, "lost", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = s.CreateSimple(ctx, store.SimpleMessage{ThreadID: 1, Box: store.Box(42)})
	assert.ErrorIs(t, err, store.ErrInvalidMessage)
	requireConsistent(t, s)
}

func TestIndexEntryKeptAcrossEdit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550109")
	m := mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxDraft, Body: "first draft"})

	n, err := s.UpdateSimple(ctx, []store.Filter{store.SimpleID(m.ID)}, store.SimpleUpdate{Body: store.String("second version")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hits, err := s.Search(ctx, "second", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].ID)

	hits, err = s.Search(ctx, "first", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	requireConsistent(t, s)
}

func TestSearchEscapesPatterns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550110")
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "100% sure"})
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "1000 sure"})

	hits, err := s.Search(ctx, "100%", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "100% sure", hits[0].Text)

	_, err = s.Search(ctx, "  ", store.ListOptions{})
	assert.ErrorIs(t, err, store.ErrFilterInvalid)
}

func TestPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550111")

	t.Run("outbox send request", func(t *testing.T) {
		r := mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxDraft, Type: store.TypeSendRequest, Subject: "draft"})
		entries, err := s.PendingEntries(ctx, []store.Filter{store.PendingFor(r.ID)}, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = s.UpdateRich(ctx, []store.Filter{store.RichID(r.ID)}, store.RichUpdate{Box: store.BoxPtr(store.BoxOutbox)})
		require.NoError(t, err)
		entries, err = s.PendingEntries(ctx, []store.Filter{store.PendingFor(r.ID)}, store.ListOptions{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 0, entries[0].RetryIndex)
		assert.Equal(t, store.TypeSendRequest, entries[0].MessageType)
		requireConsistent(t, s)

		_, err = s.UpdateRich(ctx, []store.Filter{store.RichID(r.ID)}, store.RichUpdate{Box: store.BoxPtr(store.BoxSent)})
		require.NoError(t, err)
		entries, err = s.PendingEntries(ctx, []store.Filter{store.PendingFor(r.ID)}, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, entries)
		requireConsistent(t, s)
	})

	t.Run("inserted into outbox", func(t *testing.T) {
		r := mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest})
		entries, err := s.PendingEntries(ctx, []store.Filter{store.PendingFor(r.ID)}, store.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		_, err = s.DeleteRich(ctx, []store.Filter{store.RichID(r.ID)})
		require.NoError(t, err)
		entries, err = s.PendingEntries(ctx, []store.Filter{store.PendingFor(r.ID)}, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("notification and read record", func(t *testing.T) {
		n := mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeNotification})
		rr := mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeReadRecord})

		f, err := store.PendingFilter("MessageID").In(n.ID, rr.ID)
		require.NoError(t, err)
		entries, err := s.PendingEntries(ctx, []store.Filter{f}, store.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		requireConsistent(t, s)
	})
}

func TestRecordDeliveryAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550112")
	r := mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest, Subject: "hi"})

	require.NoError(t, s.RecordDeliveryAttempt(ctx, r.ID, store.DeliveryAttempt{ErrType: 1, RetryIndex: 1, DueTime: 500, LastTry: 100}))
	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Zero(t, th.Error)

	require.NoError(t, s.RecordDeliveryAttempt(ctx, r.ID, store.DeliveryAttempt{ErrType: store.ErrTypePermanent, ErrCode: 7, RetryIndex: 2}))
	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), th.Error)

	entries, err := s.PendingEntries(ctx, nil, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Permanent())
	requireConsistent(t, s)

	err = s.RecordDeliveryAttempt(ctx, r.ID+100, store.DeliveryAttempt{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Leaving the outbox drops the entry and the failure it carried.
	_, err = s.UpdateRich(ctx, []store.Filter{store.RichID(r.ID)}, store.RichUpdate{Box: store.BoxPtr(store.BoxSent)})
	require.NoError(t, err)
	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Zero(t, th.Error)
	entries, err = s.PendingEntries(ctx, nil, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	requireConsistent(t, s)
}

func TestFailedSimpleMessagesCountAsErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550113")
	m := mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxOutbox, Body: "sending"})

	_, err := s.UpdateSimple(ctx, []store.Filter{store.SimpleID(m.ID)}, store.SimpleUpdate{Box: store.BoxPtr(store.BoxFailed), ErrorCode: store.Int(34)})
	require.NoError(t, err)
	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), th.Error)
	requireConsistent(t, s)
}

func TestPartsMaintainAttachmentAndIndex(t *testing.T) {
	ctx := context.Background()
	rec := &releaseRecorder{}
	s := newTestStore(t, WithPayloadReleaser(rec))
	tid := mustThread(t, s, "+15550114")

	r := mustRich(t, s, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Date: 20, Subject: "trip",
		Parts: []store.Part{{ContentType: store.ContentTypeText, Text: "look at this"}},
		Addrs: []store.MessageAddr{{Address: "+15550114", Role: store.AddrFrom}},
	})
	assert.True(t, r.TextOnly)

	img, err := s.AddPart(ctx, r.ID, store.Part{Seq: 1, ContentType: "image/jpeg", DataPath: "/data/parts/img1"})
	require.NoError(t, err)

	got, err := s.GetRich(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.TextOnly)
	assert.Len(t, got.Parts, 2)
	assert.Len(t, got.Addrs, 1)

	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.True(t, th.HasAttachment)

	hits, err := s.Search(ctx, "look", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, store.IndexEntryID(store.SourceRich, got.Parts[0].ID), hits[0].ID)

	require.NoError(t, s.DeletePart(ctx, img.ID))
	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.False(t, th.HasAttachment)
	assert.Equal(t, []string{"/data/parts/img1"}, rec.released())

	// A text part turned into something else leaves the index.
	require.NoError(t, s.UpdatePart(ctx, got.Parts[0].ID, store.PartUpdate{ContentType: store.String("text/x-vcard")}))
	hits, err = s.Search(ctx, "look", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	requireConsistent(t, s)
}

func TestDeleteRichReleasesPayloadsAfterCommit(t *testing.T) {
	ctx := context.Background()
	rec := &releaseRecorder{}
	s := newTestStore(t)
	s.SetPayloadReleaser(rec)
	tid := mustThread(t, s, "+15550115")

	r := mustRich(t, s, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf,
		Parts: []store.Part{
			{ContentType: "image/png", DataPath: "/p/a"},
			{ContentType: "video/mp4", DataPath: "/p/b"},
			{ContentType: store.ContentTypeText, Text: "caption"},
		},
	})
	assert.Empty(t, rec.released())

	n, err := s.DeleteRich(ctx, []store.Filter{store.RichID(r.ID)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"/p/a", "/p/b"}, rec.released())

	_, err = s.GetThread(ctx, tid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Parts(ctx, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	requireConsistent(t, s)
}

func TestBulkDeleteReclaimsTouchedThreads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustThread(t, s, "+15550116")
	b := mustThread(t, s, "+15550117")
	keep := mustThread(t, s, "+15550118")
	for i := range 3 {
		mustSimple(t, s, store.SimpleMessage{ThreadID: a, Box: store.BoxInbox, Date: int64(i + 1), Body: "a"})
		mustSimple(t, s, store.SimpleMessage{ThreadID: b, Box: store.BoxInbox, Date: int64(i + 1), Body: "b"})
	}
	mustSimple(t, s, store.SimpleMessage{ThreadID: keep, Box: store.BoxSent, Body: "kept"})

	// A thread created but not yet written to must survive an unrelated bulk delete.
	fresh := mustThread(t, s, "+15550119")

	n, err := s.DeleteSimple(ctx, []store.Filter{store.SimpleInBox(store.BoxInbox)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	for _, id := range []int64{a, b} {
		_, err := s.GetThread(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	_, err = s.GetThread(ctx, keep)
	assert.NoError(t, err)
	_, err = s.GetThread(ctx, fresh)
	assert.NoError(t, err)

	swept, err := s.DeleteObsoleteThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
	requireConsistent(t, s)
}

func TestMoveMessageReclaimsOldThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	from := mustThread(t, s, "+15550120")
	to := mustThread(t, s, "+15550121")
	mustSimple(t, s, store.SimpleMessage{ThreadID: to, Box: store.BoxInbox, Date: 1, Body: "existing"})
	m := mustSimple(t, s, store.SimpleMessage{ThreadID: from, Box: store.BoxInbox, Date: 2, Body: "moving"})

	_, err := s.UpdateSimple(ctx, []store.Filter{store.SimpleID(m.ID)}, store.SimpleUpdate{ThreadID: store.Int64(to)})
	require.NoError(t, err)

	_, err = s.GetThread(ctx, from)
	assert.ErrorIs(t, err, store.ErrNotFound)
	th, err := s.GetThread(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, int64(2), th.MessageCount)
	assert.Equal(t, "moving", th.Snippet)

	_, err = s.UpdateSimple(ctx, []store.Filter{store.SimpleID(m.ID)}, store.SimpleUpdate{ThreadID: store.Int64(12345)})
	assert.ErrorIs(t, err, store.ErrInvalidThread)
	requireConsistent(t, s)
}

func TestArchivedThreadReturnsOnInboxMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550122")
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "one"})
	require.NoError(t, s.SetThreadArchived(ctx, tid, true))

	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxSent, Body: "reply"})
	th, err := s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.True(t, th.Archived, "outgoing messages leave the thread archived")

	mustRich(t, s, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Subject: "new"})
	th, err = s.GetThread(ctx, tid)
	require.NoError(t, err)
	assert.False(t, th.Archived)

	assert.ErrorIs(t, s.SetThreadArchived(ctx, 9999, true), store.ErrNotFound)
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	rec := &releaseRecorder{}
	s := newTestStore(t, WithPayloadReleaser(rec))
	tid := mustThread(t, s, "+15550123", "+15550124")
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "one"})
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxDraft, Body: "two"})
	mustRich(t, s, store.RichMessage{
		ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest,
		Parts: []store.Part{{ContentType: "audio/amr", DataPath: "/p/voice"}},
	})

	n, err := s.DeleteThread(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.GetThread(ctx, tid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"/p/voice"}, rec.released())

	_, err = s.DeleteThread(ctx, tid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	requireConsistent(t, s)
}

func TestFindWithFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550125")
	for i, body := range []string{"alpha", "beta", "gamma"} {
		mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Date: int64(i + 1), Body: body})
	}
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxSent, Date: 10, Body: "delta"})

	got, err := s.FindSimple(ctx, []store.Filter{store.SimpleInBox(store.BoxInbox)}, store.ListOptions{Limit: 2})
	require.NoError(t, err)
	var bodies []string
	for _, m := range got {
		bodies = append(bodies, m.Body)
	}
	if diff := cmp.Diff([]string{"gamma", "beta"}, bodies); diff != "" {
		t.Fatalf("FindSimple mismatch (-want +got):\n%s", diff)
	}

	contains, err := store.SimpleFilter("Body").Contains("ta")
	require.NoError(t, err)
	n, err := s.CountSimple(ctx, []store.Filter{contains})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.FindSimple(ctx, []store.Filter{store.RichID(1)}, store.ListOptions{})
	assert.ErrorIs(t, err, store.ErrFilterInvalid)

	unread, err := store.ThreadFilter("Read").Equal(false)
	require.NoError(t, err)
	threads, err := s.FindThreads(ctx, []store.Filter{unread}, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, tid, threads[0].ID)
}

func TestRebuildIndexAndRecompute(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550126")
	mustSimple(t, s, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "simple"})
	mustRich(t, s, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf,
		Parts: []store.Part{{ContentType: store.ContentTypeText, Text: "rich"}, {ContentType: "image/gif"}},
	})

	// Damage derived state behind the store's back.
	_, err := s.DB().ExecContext(ctx, `DELETE FROM words`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE threads SET message_count = 42, snippet = 'stale'`)
	require.NoError(t, err)

	report, err := s.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.MissingIndex)
	fields := map[string]bool{}
	for _, m := range report.ThreadMismatches {
		fields[m.Field] = true
	}
	assert.True(t, fields["message_count"])
	assert.True(t, fields["snippet"])

	n, err := s.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = s.RecomputeThreads(ctx)
	require.NoError(t, err)
	requireConsistent(t, s)
}

func TestRelocatePayloads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tid := mustThread(t, s, "+15550127")
	r := mustRich(t, s, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf,
		Parts: []store.Part{
			{ContentType: "image/png", DataPath: "/old/app_parts/1"},
			{ContentType: "image/png", DataPath: "/elsewhere/2"},
		},
	})

	n, err := s.RelocatePayloads(ctx, "/old/app_parts", "/new/parts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	parts, err := s.Parts(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "/new/parts/1", parts[0].DataPath)
	assert.Equal(t, "/elsewhere/2", parts[1].DataPath)

	_, err = s.RelocatePayloads(ctx, "", "/x")
	assert.True(t, errors.Is(err, ErrEmptyRoot))
}

// TestRandomOperationsStayConsistent drives a fixed sequence of mixed
// writes and checks every derived value against a full recomputation.
func TestRandomOperationsStayConsistent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithPayloadReleaser(&releaseRecorder{}))
	addrs := []string{"+15550201", "+15550202", "+15550203", "bob@example.com"}
	boxes := []store.Box{store.BoxInbox, store.BoxSent, store.BoxDraft, store.BoxOutbox, store.BoxFailed}
	types := []store.ProtocolType{store.TypeSendRequest, store.TypeNotification, store.TypeRetrieveConf, store.TypeReadRecord}
	contentTypes := []string{store.ContentTypeText, store.ContentTypeSMIL, "image/jpeg"}
	errTypes := []int{0, 1, store.ErrTypePermanent}

	seed := uint64(7)
	next := func(n int) int {
		seed = seed*6364136223846793005 + 1442695040888963407
		return int((seed >> 33) % uint64(n))
	}
	word := func() string { return "w" + string(rune('a'+next(26))) }
	anyRich := func() *store.RichMessage {
		msgs, err := s.FindRich(ctx, nil, store.ListOptions{})
		require.NoError(t, err)
		if len(msgs) == 0 {
			return nil
		}
		return msgs[next(len(msgs))]
	}
	anyPart := func() *store.Part {
		r := anyRich()
		if r == nil {
			return nil
		}
		parts, err := s.Parts(ctx, r.ID)
		require.NoError(t, err)
		if len(parts) == 0 {
			return nil
		}
		return parts[next(len(parts))]
	}

	for i := range 600 {
		thread := func() int64 {
			return mustThread(t, s, addrs[next(len(addrs))])
		}
		switch next(16) {
		case 0, 1:
			mustSimple(t, s, store.SimpleMessage{
				ThreadID: thread(), Box: boxes[next(len(boxes))], Date: int64(next(1_000_000)),
				Read: next(2) == 0, Body: word(),
			})
		case 2, 3:
			var parts []store.Part
			for range next(3) {
				parts = append(parts, store.Part{ContentType: contentTypes[next(len(contentTypes))], Text: word(), Charset: next(3), DataPath: "/p/" + word()})
			}
			mustRich(t, s, store.RichMessage{
				ThreadID: thread(), Box: boxes[next(len(boxes))], Type: types[next(len(types))],
				Date: int64(next(1000)), Read: next(2) == 0, Subject: []string{"", "subj"}[next(2)], Parts: parts,
			})
		case 4:
			_, err := s.UpdateSimple(ctx, []store.Filter{store.SimpleInBox(boxes[next(len(boxes))])},
				store.SimpleUpdate{Box: store.BoxPtr(boxes[next(len(boxes))]), Read: store.Bool(next(2) == 0)})
			require.NoError(t, err)
		case 5:
			_, err := s.UpdateRich(ctx, []store.Filter{store.RichInBox(boxes[next(len(boxes))])},
				store.RichUpdate{Box: store.BoxPtr(boxes[next(len(boxes))])})
			require.NoError(t, err)
		case 6:
			_, err := s.DeleteSimple(ctx, []store.Filter{store.SimpleInBox(boxes[next(len(boxes))])})
			require.NoError(t, err)
		case 7:
			_, err := s.DeleteRich(ctx, []store.Filter{store.RichInBox(boxes[next(len(boxes))])})
			require.NoError(t, err)
		case 8:
			msgs, err := s.FindSimple(ctx, nil, store.ListOptions{})
			require.NoError(t, err)
			if len(msgs) > 0 {
				_, err = s.UpdateSimple(ctx, []store.Filter{store.SimpleID(msgs[next(len(msgs))].ID)},
					store.SimpleUpdate{ThreadID: store.Int64(thread()), Body: store.String(word())})
				require.NoError(t, err)
			}
		case 9:
			if r := anyRich(); r != nil {
				_, err := s.UpdateRich(ctx, []store.Filter{store.RichID(r.ID)}, store.RichUpdate{ThreadID: store.Int64(thread())})
				require.NoError(t, err)
			}
		case 10:
			if r := anyRich(); r != nil {
				_, err := s.UpdateRich(ctx, []store.Filter{store.RichID(r.ID)},
					store.RichUpdate{Subject: store.String([]string{"", "renamed"}[next(2)]), Date: store.Int64(int64(next(1000)))})
				require.NoError(t, err)
			}
		case 11:
			entries, err := s.PendingEntries(ctx, nil, store.ListOptions{})
			require.NoError(t, err)
			if len(entries) > 0 {
				e := entries[next(len(entries))]
				require.NoError(t, s.RecordDeliveryAttempt(ctx, e.MessageID, store.DeliveryAttempt{
					ErrType: errTypes[next(len(errTypes))], RetryIndex: e.RetryIndex + 1,
				}))
			}
		case 12:
			if r := anyRich(); r != nil {
				_, err := s.AddPart(ctx, r.ID, store.Part{Seq: next(3), ContentType: contentTypes[next(len(contentTypes))], Text: word()})
				require.NoError(t, err)
			}
		case 13:
			if p := anyPart(); p != nil {
				require.NoError(t, s.UpdatePart(ctx, p.ID, store.PartUpdate{
					ContentType: store.String(contentTypes[next(len(contentTypes))]), Text: store.String(word()),
				}))
			}
		case 14:
			if p := anyPart(); p != nil {
				require.NoError(t, s.DeletePart(ctx, p.ID))
			}
		case 15:
			_, err := s.UpdateRich(ctx, []store.Filter{store.RichInBox(store.BoxOutbox)},
				store.RichUpdate{Box: store.BoxPtr(store.BoxSent)})
			require.NoError(t, err)
		}
		if i%50 == 49 {
			requireConsistent(t, s)
			requireRecounted(t, s)
		}
	}
	requireConsistent(t, s)
	requireRecounted(t, s)
}
