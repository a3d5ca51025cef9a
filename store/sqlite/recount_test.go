package sqlite

import (
	"cmp"
	"slices"
	"strings"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
	"github.com/stretchr/testify/require"
)

// threadState is the derived part of a thread row.
type threadState struct {
	ID             int64  `db:"_id"`
	MessageCount   int64  `db:"message_count"`
	Date           int64  `db:"date"`
	Snippet        string `db:"snippet"`
	SnippetCharset int    `db:"snippet_cs"`
	Read           int    `db:"read"`
	Error          int64  `db:"error"`
	HasAttachment  int    `db:"has_attachment"`
}

type wordRow struct {
	ID     int64  `db:"_id"`
	Text   string `db:"index_text"`
	Source int    `db:"table_to_use"`
}

// recount derives every thread's state and the index from plain reads of
// the message tables. It shares no SQL with the store so it can catch
// mistakes in the aggregate queries themselves.
func recount(t *testing.T, db *sqlx.DB) (map[int64]threadState, []wordRow) {
	t.Helper()

	var threadIDs []int64
	require.NoError(t, db.Select(&threadIDs, `SELECT _id FROM threads ORDER BY _id`))

	var sms []struct {
		ID       int64  `db:"_id"`
		ThreadID int64  `db:"thread_id"`
		Date     int64  `db:"date"`
		Box      int    `db:"type"`
		Read     int    `db:"read"`
		Body     string `db:"body"`
	}
	require.NoError(t, db.Select(&sms, `SELECT _id, thread_id, date, type, read, COALESCE(body, '') AS body FROM sms ORDER BY _id`))

	var pdu []struct {
		ID       int64  `db:"_id"`
		ThreadID int64  `db:"thread_id"`
		Date     int64  `db:"date"`
		Box      int    `db:"msg_box"`
		Type     int    `db:"m_type"`
		Read     int    `db:"read"`
		Subject  string `db:"sub"`
		Charset  int    `db:"sub_cs"`
	}
	require.NoError(t, db.Select(&pdu, `SELECT _id, thread_id, date, msg_box, m_type, read, COALESCE(sub, '') AS sub, sub_cs FROM pdu ORDER BY _id`))

	var parts []struct {
		ID      int64  `db:"_id"`
		Mid     int64  `db:"mid"`
		Seq     int    `db:"seq"`
		Type    string `db:"ct"`
		Text    string `db:"text"`
		Charset int    `db:"chset"`
	}
	require.NoError(t, db.Select(&parts, `SELECT _id, mid, seq, COALESCE(ct, '') AS ct, COALESCE(text, '') AS text, chset FROM part ORDER BY seq, _id`))

	var pending []struct {
		MessageID int64 `db:"msg_id"`
		ErrType   int   `db:"err_type"`
	}
	require.NoError(t, db.Select(&pending, `SELECT msg_id, err_type FROM pending_msgs WHERE proto_type = ?`, int(store.ProtoRich)))

	isText := func(ct string) bool { return strings.ToLower(ct) == "text/plain" }
	inline := func(ct string) bool { ct = strings.ToLower(ct); return ct == "text/plain" || ct == "application/smil" }

	states := make(map[int64]threadState, len(threadIDs))
	for _, tid := range threadIDs {
		st := threadState{ID: tid, Read: 1}
		unread := 0

		var simpleDate, simpleID int64 = -1, -1
		var simpleBody string
		for _, m := range sms {
			if m.ThreadID != tid {
				continue
			}
			if m.Box == int(store.BoxFailed) {
				st.Error++
			}
			if m.Box == int(store.BoxDraft) {
				continue
			}
			st.MessageCount++
			if m.Read == 0 {
				unread++
			}
			if m.Date > simpleDate || (m.Date == simpleDate && m.ID > simpleID) {
				simpleDate, simpleID, simpleBody = m.Date, m.ID, m.Body
			}
		}

		var richDate, richID int64 = -1, -1
		var richSubject string
		var richCharset int
		for _, m := range pdu {
			if m.ThreadID != tid {
				continue
			}
			for _, p := range pending {
				if p.MessageID == m.ID && p.ErrType >= store.ErrTypePermanent {
					st.Error++
				}
			}
			for _, p := range parts {
				if p.Mid == m.ID && !inline(p.Type) {
					st.HasAttachment = 1
				}
			}
			counted := m.Type == int(store.TypeSendRequest) || m.Type == int(store.TypeNotification) ||
				m.Type == int(store.TypeRetrieveConf)
			if !counted || m.Box == int(store.BoxDraft) {
				continue
			}
			st.MessageCount++
			if m.Read == 0 {
				unread++
			}
			if m.Date > richDate || (m.Date == richDate && m.ID > richID) {
				richDate, richID, richSubject, richCharset = m.Date, m.ID, m.Subject, m.Charset
			}
		}
		if unread > 0 {
			st.Read = 0
		}

		// Rich dates are seconds. On equal timestamps the rich message wins.
		switch {
		case richID >= 0 && (simpleID < 0 || richDate*1000 >= simpleDate):
			st.Date = richDate * 1000
			st.Snippet, st.SnippetCharset = richSubject, richCharset
			if richSubject == "" {
				st.SnippetCharset = store.CharsetUnknown
				for _, p := range parts {
					if p.Mid == richID && isText(p.Type) {
						st.Snippet, st.SnippetCharset = p.Text, p.Charset
						break
					}
				}
			}
		case simpleID >= 0:
			st.Date, st.Snippet, st.SnippetCharset = simpleDate, simpleBody, store.CharsetUTF8
		}
		states[tid] = st
	}

	var words []wordRow
	for _, m := range sms {
		words = append(words, wordRow{ID: m.ID, Text: m.Body, Source: 1})
	}
	for _, p := range parts {
		if isText(p.Type) {
			words = append(words, wordRow{ID: 1<<32 + p.ID, Text: p.Text, Source: 2})
		}
	}
	slices.SortFunc(words, func(a, b wordRow) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.ID, b.ID))
	})
	return states, words
}

// requireRecounted fails unless the stored thread rows and index match a
// from-scratch recount, and every queued entry belongs to a rich message.
func requireRecounted(t *testing.T, s *Store) {
	t.Helper()
	db := s.DB()
	wantThreads, wantWords := recount(t, db)

	var rows []threadState
	require.NoError(t, db.Select(&rows, `SELECT _id, message_count, date, snippet, snippet_cs, read, error, has_attachment FROM threads`))
	gotThreads := make(map[int64]threadState, len(rows))
	for _, r := range rows {
		gotThreads[r.ID] = r
	}
	if diff := gocmp.Diff(wantThreads, gotThreads); diff != "" {
		t.Fatalf("thread aggregates differ from recount (-want +got):\n%s", diff)
	}

	var gotWords []wordRow
	require.NoError(t, db.Select(&gotWords, `SELECT _id, COALESCE(index_text, '') AS index_text, table_to_use FROM words ORDER BY table_to_use, _id`))
	if diff := gocmp.Diff(wantWords, gotWords, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("index differs from recount (-want +got):\n%s", diff)
	}

	var dangling int
	require.NoError(t, db.Get(&dangling, `SELECT COUNT(*) FROM pending_msgs p
		WHERE NOT EXISTS (SELECT 1 FROM pdu WHERE pdu._id = p.msg_id)`))
	require.Zero(t, dangling, "queued entries without a message")
}
