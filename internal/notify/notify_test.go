package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/order"
)

type fakeCollaborator struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (f *fakeCollaborator) Notify(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.err
}

func (f *fakeCollaborator) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.RecipientID)
	}
	return out
}

var testOrder = &order.Order{ID: "ord_1", BuyerID: "usr_b", SellerID: "usr_s"}

func TestDispatcher_MessageCreatedRecipients(t *testing.T) {
	disp := &dispute.Dispute{ID: "dsp_1", OrderID: "ord_1", Status: dispute.StatusUnderReview, AssignedModID: "mod_1"}

	tests := []struct {
		name string
		d    *dispute.Dispute
		m    *message.Message
		want []string
	}{
		{"party to party", nil,
			&message.Message{ID: "m1", OrderID: "ord_1", SenderID: "usr_b", RecipientID: "usr_s"}, []string{"usr_s"}},
		{"moderator public post", disp,
			&message.Message{ID: "m2", OrderID: "ord_1", SenderID: "mod_1"}, []string{"usr_b", "usr_s"}},
		{"assigned moderator note", disp,
			&message.Message{ID: "m3", OrderID: "ord_1", SenderID: "mod_1", IsModOnly: true}, nil},
		{"admin note reaches moderator", disp,
			&message.Message{ID: "m4", OrderID: "ord_1", SenderID: "adm_1", IsModOnly: true}, []string{"mod_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collab := &fakeCollaborator{}
			d := NewDispatcher(collab, DefaultConfig())
			d.MessageCreated(context.Background(), testOrder, tt.d, tt.m)
			assert.Equal(t, tt.want, collab.recipients())
			for _, e := range collab.events {
				assert.Equal(t, EventMessageCreated, e.Type)
				assert.Equal(t, tt.m.ID, e.MessageID)
				assert.NotEmpty(t, e.ID)
				assert.False(t, e.Timestamp.IsZero())
			}
		})
	}
}

func TestDispatcher_DisputeStatusChanged(t *testing.T) {
	collab := &fakeCollaborator{}
	d := NewDispatcher(collab, DefaultConfig())

	disp := &dispute.Dispute{
		ID: "dsp_1", OrderID: "ord_1", Status: dispute.StatusResolvedBuyerFavor,
		AssignedModID: "mod_1", Resolution: "refund issued",
	}
	d.DisputeStatusChanged(context.Background(), testOrder, disp)

	require.Len(t, collab.events, 3)
	assert.Equal(t, []string{"usr_b", "usr_s", "mod_1"}, collab.recipients())
	for _, e := range collab.events {
		assert.Equal(t, EventDisputeStatusChanged, e.Type)
		assert.Equal(t, dispute.StatusResolvedBuyerFavor, e.Status)
		assert.Equal(t, "refund issued", e.Resolution)
	}

	ids := map[string]bool{}
	for _, e := range collab.events {
		ids[e.ID] = true
	}
	assert.Len(t, ids, 3, "each delivery is its own event")
}

func TestDispatcher_FailuresAreSwallowedAndNotRetried(t *testing.T) {
	collab := &fakeCollaborator{err: errors.New("smtp down")}
	d := NewDispatcher(collab, Config{BreakerThreshold: 100})

	d.Notify(context.Background(), Event{Type: EventMessageCreated, RecipientID: "usr_s"})
	assert.Len(t, collab.events, 1)
}

type panickingCollaborator struct{ calls int }

func (p *panickingCollaborator) Notify(context.Context, Event) error {
	p.calls++
	panic("smtp client nil deref")
}

func TestDispatcher_CollaboratorPanicIsContained(t *testing.T) {
	collab := &panickingCollaborator{}
	d := NewDispatcher(collab, Config{BreakerThreshold: 100})

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), Event{Type: EventMessageCreated, RecipientID: "usr_s"})
	})
	assert.Equal(t, 1, collab.calls)
}

func TestDispatcher_PanicDoesNotFailTheOperation(t *testing.T) {
	ctx := context.Background()
	orders := order.NewMemoryStore()
	require.NoError(t, orders.Create(ctx, testOrder))
	dstore := dispute.NewMemoryStore()
	mstore := message.NewMemoryStore()
	d := NewDispatcher(&panickingCollaborator{}, DefaultConfig())

	msgs := message.NewService(mstore, orders, dstore).WithNotifier(d)
	buyer := &auth.Actor{ID: "usr_b", Role: auth.RoleUser}
	m, err := msgs.Post(ctx, buyer, "ord_1", message.NewText("parcel arrived crushed"), message.PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, m)

	stored, err := mstore.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	disputes := dispute.NewService(dstore, orders).WithNotifier(d)
	opened, err := disputes.Open(ctx, buyer, "ord_1", dispute.OpenRequest{Reason: dispute.ReasonDamaged})
	require.NoError(t, err)
	claimed, err := disputes.Claim(ctx, &auth.Actor{ID: "mod_1", Role: auth.RoleModerator}, opened.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusUnderReview, claimed.Status)
}

func TestDispatcher_OpenCircuitSkipsRecipient(t *testing.T) {
	collab := &fakeCollaborator{err: errors.New("bounce")}
	d := NewDispatcher(collab, Config{BreakerThreshold: 2, BreakerCooldown: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Notify(ctx, Event{Type: EventMessageCreated, RecipientID: "usr_s"})
	}
	assert.Len(t, collab.events, 2, "attempts stop once the circuit opens")

	d.Notify(ctx, Event{Type: EventMessageCreated, RecipientID: "usr_b"})
	assert.Len(t, collab.events, 3, "other recipients are unaffected")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", preview(message.NewText("hi")))
	assert.Equal(t, "[image]", preview(message.Content{message.Image("https://x/1.png", "")}))

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'é'
	}
	p := []rune(preview(message.NewText(string(long))))
	assert.Len(t, p, previewLength+1)
}

func TestWebhookCollaborator(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		status  = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		assert.Equal(t, string(EventDisputeStatusChanged), r.Header.Get(HeaderEvent))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	ctx := context.Background()
	collab, err := NewWebhookCollaborator(ctx, srv.URL, "s3cret", true)
	require.NoError(t, err)

	e := Event{ID: "evt_1", Type: EventDisputeStatusChanged, RecipientID: "usr_b", OrderID: "ord_1",
		DisputeID: "dsp_1", Status: dispute.StatusCancelled, Timestamp: time.Now().UTC()}
	require.NoError(t, collab.Notify(ctx, e))

	assert.True(t, Verify(gotBody, "s3cret", gotSig))
	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "dsp_1", decoded.DisputeID)

	status = http.StatusBadGateway
	err = collab.Notify(ctx, e)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestNewWebhookCollaborator_RejectsPrivateTargets(t *testing.T) {
	_, err := NewWebhookCollaborator(context.Background(), "http://127.0.0.1:9000/hook", "", false)
	assert.Error(t, err)

	_, err = NewWebhookCollaborator(context.Background(), "ftp://example.com", "", true)
	assert.Error(t, err)
}
