package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowchat/internal/message"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestState() (*State, *clock) {
	c := &clock{now: t0}
	s := NewState("usr_buyer", DefaultConfig())
	s.now = c.Now
	return s, c
}

func confirmed(id, sender, text string, at time.Time) *message.Message {
	return &message.Message{ID: id, OrderID: "ord_1", SenderID: sender, Content: message.NewText(text), CreatedAt: at}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestKeyOf_IgnoresImageURLsAndWhitespace(t *testing.T) {
	local := message.Content{message.Text("look  here "), message.Image("blob:preview-1", "cap")}
	final := message.Content{message.Text("look here "), message.Image("https://cdn.example.com/a.png", "cap")}
	assert.Equal(t, KeyOf("u", local), KeyOf("u", final))

	assert.NotEqual(t, KeyOf("u", message.NewText("hi")), KeyOf("v", message.NewText("hi")))
	assert.NotEqual(t, KeyOf("u", message.NewText("hi")),
		KeyOf("u", message.Content{message.Text("hi"), message.Image("https://x/1.png", "")}))
}

func TestKeyOf_CaptionsAreText(t *testing.T) {
	a := message.Content{message.Image("https://x/1.png", "receipt for order")}
	b := message.Content{message.Image("https://x/1.png", "photo of the damage")}
	assert.NotEqual(t, KeyOf("u", a), KeyOf("u", b))

	// Wire form [IMAGE]u[/IMAGE]caption decodes to the same key.
	assert.Equal(t, KeyOf("u", a), KeyOf("u", message.DecodeWire("[IMAGE]https://x/2.png[/IMAGE]receipt for order")))
}

func TestKeyOf_SplitTextMatchesServerCanonicalForm(t *testing.T) {
	split := message.Content{message.Text("a"), message.Text("b")}
	assert.Equal(t, KeyOf("u", message.NewText("ab")), KeyOf("u", split))
	assert.Equal(t, KeyOf("u", split.Normalize()), KeyOf("u", split))
}

func TestState_ImageSendsWithDifferentCaptionsStayApart(t *testing.T) {
	s, clk := newTestState()
	receipt := s.AddPending(message.Content{message.Image("blob:1", "receipt for order")})
	photo := s.AddPending(message.Content{message.Image("blob:2", "photo of the damage")})
	assert.Len(t, s.View(), 2)

	// A confirmed image with another caption absorbs neither.
	clk.Advance(time.Second)
	other := &message.Message{ID: "msg_1", OrderID: "ord_1", SenderID: "usr_buyer",
		Content: message.Content{message.Image("https://cdn.example.com/1.png", "totally different")}, CreatedAt: t0.Add(500 * time.Millisecond)}
	view := s.Refresh([]*message.Message{other})
	assert.Len(t, view, 3)
	assert.Len(t, s.Pending(), 2)

	s.MarkFailed(photo.LocalID, errors.New("upload failed"))
	view = s.View()
	require.Len(t, view, 3)
	var failed []string
	for _, it := range view {
		if it.Status == StatusFailed {
			failed = append(failed, it.ID)
		}
	}
	assert.Equal(t, []string{photo.LocalID}, failed)

	// The matching caption retires only its own entry.
	mine := &message.Message{ID: "msg_2", OrderID: "ord_1", SenderID: "usr_buyer",
		Content: message.Content{message.Image("https://cdn.example.com/2.png", "receipt for order")}, CreatedAt: t0.Add(600 * time.Millisecond)}
	view = s.Refresh([]*message.Message{mine})
	assert.Equal(t, []string{photo.LocalID, "msg_1", "msg_2"}, ids(view))
	for _, p := range s.Pending() {
		assert.NotEqual(t, receipt.LocalID, p.LocalID)
	}
}

func TestState_AddPendingNormalizesContent(t *testing.T) {
	s, clk := newTestState()
	p := s.AddPending(message.Content{message.Text("a"), message.Text("b")})
	assert.Equal(t, message.NewText("ab"), p.Content)

	clk.Advance(time.Second)
	view := s.Refresh([]*message.Message{confirmed("msg_1", "usr_buyer", "ab", t0.Add(200*time.Millisecond))})
	assert.Equal(t, []string{"msg_1"}, ids(view))
	assert.Empty(t, s.Pending())
}

// Scenario D: optimistic send confirmed within the window is shown once.
func TestState_ConfirmedReplacesPending(t *testing.T) {
	s, clk := newTestState()

	p := s.AddPending(message.NewText("hi"))
	view := s.View()
	require.Len(t, view, 1)
	assert.Equal(t, StatusSending, view[0].Status)
	assert.True(t, view[0].IsPending())

	clk.Advance(time.Second)
	server := []*message.Message{confirmed("msg_1", "usr_buyer", "hi", t0.Add(800*time.Millisecond))}
	view = s.Refresh(server)
	require.Len(t, view, 1)
	assert.Equal(t, "msg_1", view[0].ID)
	assert.Equal(t, StatusConfirmed, view[0].Status)
	assert.Empty(t, s.Pending(), "matched entry leaves the pending list")

	again := s.Refresh(server)
	assert.Equal(t, view, again, "refresh is idempotent")

	// A late failure report for the retired entry changes nothing.
	s.MarkFailed(p.LocalID, errors.New("timeout"))
	assert.Equal(t, view, s.View())
}

// Scenario E: a failed upload leaves a failed entry and no confirmed twin.
func TestState_FailedSendStaysFailed(t *testing.T) {
	s, clk := newTestState()

	p := s.AddPending(message.Content{message.Text("receipt"), message.Image("blob:local", "")})
	s.MarkFailed(p.LocalID, errors.New("upload failed"))

	clk.Advance(2 * time.Second)
	view := s.Refresh([]*message.Message{confirmed("msg_0", "usr_seller", "hello", t0.Add(-time.Minute))})
	require.Len(t, view, 2)
	assert.Equal(t, "msg_0", view[0].ID)
	assert.Equal(t, p.LocalID, view[1].ID)
	assert.Equal(t, StatusFailed, view[1].Status)
	assert.Equal(t, "upload failed", view[1].Error)
}

func TestState_OldIdenticalMessageDoesNotAbsorbNewSend(t *testing.T) {
	s, clk := newTestState()
	old := confirmed("msg_old", "usr_buyer", "ok", t0.Add(-time.Hour))
	s.Refresh([]*message.Message{old})

	p := s.AddPending(message.NewText("ok"))
	view := s.View()
	assert.Equal(t, []string{"msg_old", p.LocalID}, ids(view))

	clk.Advance(time.Second)
	view = s.Refresh([]*message.Message{old, confirmed("msg_new", "usr_buyer", "ok", t0.Add(500*time.Millisecond))})
	assert.Equal(t, []string{"msg_old", "msg_new"}, ids(view), "repeated identical texts are both kept")
}

func TestState_EachConfirmedAbsorbsOnePending(t *testing.T) {
	s, clk := newTestState()
	first := s.AddPending(message.NewText("ok"))
	clk.Advance(time.Second)
	second := s.AddPending(message.NewText("ok"))

	view := s.Refresh([]*message.Message{confirmed("msg_1", "usr_buyer", "ok", t0.Add(100*time.Millisecond))})
	assert.Equal(t, []string{"msg_1", second.LocalID}, ids(view))

	s.MarkFailed(second.LocalID, errors.New("network"))
	view = s.View()
	require.Len(t, view, 2)
	assert.Equal(t, StatusFailed, view[1].Status, "the second send is not hidden behind the first confirmation")
	assert.NotEqual(t, first.LocalID, view[1].ID)
}

func TestState_TTLForcesFailure(t *testing.T) {
	s, clk := newTestState()
	s.AddPending(message.NewText("anyone?"))

	clk.Advance(DefaultTTL + time.Second)
	view := s.View()
	require.Len(t, view, 1)
	assert.Equal(t, StatusFailed, view[0].Status)
	assert.Equal(t, ErrExpired.Error(), view[0].Error)

	// The server may still confirm it later.
	view = s.Refresh([]*message.Message{confirmed("msg_late", "usr_buyer", "anyone?", t0.Add(20*time.Second))})
	assert.Equal(t, []string{"msg_late"}, ids(view))
	assert.Empty(t, s.Pending())
}

func TestState_RetryAndDiscard(t *testing.T) {
	s, clk := newTestState()
	p := s.AddPending(message.NewText("again"))

	_, err := s.Retry(p.LocalID)
	assert.ErrorIs(t, err, ErrNotFailed)

	s.MarkFailed(p.LocalID, errors.New("boom"))
	clk.Advance(time.Minute)
	retried, err := s.Retry(p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusSending, retried.Status)
	assert.Equal(t, clk.now, retried.CreatedAt)
	assert.NoError(t, retried.Err)

	require.NoError(t, s.Discard(p.LocalID))
	assert.Empty(t, s.View())
	assert.ErrorIs(t, s.Discard(p.LocalID), ErrPendingNotFound)
	_, err = s.Retry("local_missing")
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestState_ConfirmFromPostResponse(t *testing.T) {
	s, clk := newTestState()
	p := s.AddPending(message.NewText("deal"))
	m := confirmed("msg_9", "usr_buyer", "deal", t0)
	s.Confirm(p.LocalID, m)

	// A fetch that started before the post does not drop the message.
	view := s.Refresh(nil)
	assert.Equal(t, []string{"msg_9"}, ids(view))

	// A later identical send is not absorbed by the claimed message.
	clk.Advance(time.Second)
	next := s.AddPending(message.NewText("deal"))
	assert.Equal(t, []string{"msg_9", next.LocalID}, ids(s.View()))
}

func TestMerge_PendingOnlyKeepsNewestDuplicate(t *testing.T) {
	pending := []*Pending{
		{LocalID: "local_a", SenderID: "u", Content: message.NewText("x"), CreatedAt: t0, Status: StatusFailed},
		{LocalID: "local_b", SenderID: "u", Content: message.NewText("x"), CreatedAt: t0.Add(time.Second), Status: StatusSending},
	}
	view := Merge(nil, pending)
	assert.Equal(t, []string{"local_b"}, ids(view))
}

func TestMerge_DuplicateIDsFromOverlappingFetches(t *testing.T) {
	a := confirmed("msg_1", "u", "one", t0)
	b := confirmed("msg_2", "v", "two", t0.Add(time.Second))
	view := Merge([]*message.Message{b, a, a, b}, nil)
	assert.Equal(t, []string{"msg_1", "msg_2"}, ids(view))
}

func TestMerge_OrderIsIndependentOfInputOrder(t *testing.T) {
	msgs := []*message.Message{
		confirmed("msg_3", "u", "c", t0.Add(3*time.Second)),
		confirmed("msg_1", "u", "a", t0),
		confirmed("msg_2", "v", "b", t0.Add(time.Second)),
	}
	pending := []*Pending{{LocalID: "local_1", SenderID: "u", Content: message.NewText("d"), CreatedAt: t0.Add(2 * time.Second), Status: StatusSending}}

	forward := Merge(msgs, pending)
	reversed := Merge([]*message.Message{msgs[2], msgs[1], msgs[0]}, pending)
	assert.Equal(t, forward, reversed)
	assert.Equal(t, []string{"msg_1", "msg_2", "local_1", "msg_3"}, ids(forward))
}

func TestState_RefreshTimingDoesNotChangeOutcome(t *testing.T) {
	m1 := confirmed("msg_1", "usr_seller", "hello", t0.Add(-time.Minute))
	m2 := confirmed("msg_2", "usr_buyer", "hi", t0.Add(time.Second))

	// One refresh with everything.
	a, _ := newTestState()
	a.AddPending(message.NewText("hi"))
	got := a.Refresh([]*message.Message{m1, m2})

	// Incremental refreshes, including a stale one.
	b, _ := newTestState()
	b.AddPending(message.NewText("hi"))
	b.Refresh([]*message.Message{m1})
	b.Refresh([]*message.Message{m1, m2})
	want := b.Refresh([]*message.Message{m1})

	assert.Equal(t, ids(want), ids(got))
	assert.Equal(t, []string{"msg_1", "msg_2"}, ids(got))
}
