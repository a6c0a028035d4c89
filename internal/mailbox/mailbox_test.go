package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu        sync.Mutex
	items     map[string]map[string][]byte
	putFails  int
	listFails int
	delFails  int
	puts      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]map[string][]byte)}
}

func (f *fakeStore) Put(_ context.Context, recipient, id string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putFails > 0 {
		f.putFails--
		return errors.New("put unavailable")
	}
	if f.items[recipient] == nil {
		f.items[recipient] = make(map[string][]byte)
	}
	f.items[recipient][id] = append([]byte(nil), blob...)
	return nil
}

func (f *fakeStore) List(_ context.Context, recipient string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listFails > 0 {
		f.listFails--
		return nil, errors.New("list unavailable")
	}
	out := make([]Item, 0, len(f.items[recipient]))
	for id, blob := range f.items[recipient] {
		out = append(out, Item{ID: id, Blob: append([]byte(nil), blob...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) count(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[recipient])
}

func (f *fakeStore) Delete(_ context.Context, recipient, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delFails > 0 {
		f.delFails--
		return errors.New("delete unavailable")
	}
	delete(f.items[recipient], id)
	return nil
}

type xorSealer struct{}

func (xorSealer) Seal(p []byte) ([]byte, error) { return xor(p), nil }
func (xorSealer) Open(p []byte) ([]byte, error) { return xor(p), nil }

func xor(p []byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out
}

func sampleMessage(sender string, ms int64) Message {
	return NewMessage("", sender, protocol.Payload{
		Data:    json.RawMessage(`"ciphertext"`),
		IV:      json.RawMessage(`"iv-1"`),
		GID:     json.RawMessage(`"group"`),
		Key:     json.RawMessage(`{"wrapped":"k"}`),
		Sig:     json.RawMessage(`"sig"`),
		Purpose: json.RawMessage(`"chat"`),
	}, ms)
}

func sequentialIDs() func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%08d", n), nil
	}
}

func TestEnqueueDrainPreservesFieldsAndOrder(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	mb := New(store, Options{Log: zaptest.NewLogger(t), NewID: sequentialIDs()})

	for i := 0; i < 3; i++ {
		if _, err := mb.Enqueue(ctx, "u3", sampleMessage(fmt.Sprintf("u%d", i), int64(1000+i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var got []Message
	res, err := mb.Drain(ctx, "u3", func(m Message) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Delivered != 3 || len(got) != 3 {
		t.Fatalf("expected 3 delivered, got %+v", res)
	}
	for i, m := range got {
		if m.Sender != fmt.Sprintf("u%d", i) || m.Time != int64(1000+i) {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}

	want := sampleMessage("u0", 1000)
	first := got[0]
	if string(first.Data) != string(want.Data) || string(first.IV) != string(want.IV) ||
		string(first.GID) != string(want.GID) || string(first.Key) != string(want.Key) ||
		string(first.Sig) != string(want.Sig) || string(first.Purpose) != string(want.Purpose) {
		t.Fatalf("fields not preserved: %+v", first)
	}

	frame := first.Frame()
	if frame.Resp != protocol.RespTxtMsg || frame.Target != "u3" || frame.UID != "u0" || frame.Time != 1000 {
		t.Fatalf("unexpected drained frame: %+v", frame)
	}

	again, err := mb.Drain(ctx, "u3", func(Message) error {
		t.Fatal("second drain must be empty")
		return nil
	})
	if err != nil || again.Delivered != 0 {
		t.Fatalf("expected empty second drain, got %+v err=%v", again, err)
	}
}

func TestStoredDocumentShape(t *testing.T) {
	store := newFakeStore()
	mb := New(store, Options{NewID: sequentialIDs()})
	if _, err := mb.Enqueue(context.Background(), "u3", sampleMessage("u4", 42)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(store.items["u3"]["00000001"], &doc); err != nil {
		t.Fatalf("decode stored doc: %v", err)
	}
	for _, field := range []string{"msg", "iv", "gid", "key", "uid", "sig", "purpose", "time"} {
		if _, ok := doc[field]; !ok {
			t.Fatalf("stored doc missing %s: %v", field, doc)
		}
	}
}

func TestRelayedFieldsStoredUnescaped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	mb := New(store, Options{NewID: sequentialIDs()})
	msg := NewMessage("", "u4", protocol.Payload{Data: json.RawMessage(`{"ct" : "a<b&c"}`)}, 5)
	if _, err := mb.Enqueue(ctx, "u3", msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	blob := string(store.items["u3"]["00000001"])
	if !strings.Contains(blob, `"msg":{"ct":"a<b&c"}`) {
		t.Fatalf("stored record escaped relayed data: %s", blob)
	}

	var frames []string
	if _, err := mb.Drain(ctx, "u3", func(m Message) error {
		raw, err := protocol.Encode(m.Frame())
		frames = append(frames, string(raw))
		return err
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(frames) != 1 || !strings.Contains(frames[0], `"data":{"ct":"a<b&c"}`) {
		t.Fatalf("drained frame escaped relayed data: %v", frames)
	}
}

func TestDeliverErrorStopsDrain(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	mb := New(store, Options{NewID: sequentialIDs()})
	for i := 0; i < 3; i++ {
		_, _ = mb.Enqueue(ctx, "u1", sampleMessage("s", int64(i)))
	}

	calls := 0
	res, err := mb.Drain(ctx, "u1", func(Message) error {
		calls++
		if calls == 2 {
			return errors.New("connection closed")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected deliver error")
	}
	if res.Delivered != 1 {
		t.Fatalf("expected one delivered, got %+v", res)
	}
	if n := store.count("u1"); n != 2 {
		t.Fatalf("expected undelivered messages kept, got %d", n)
	}
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.putFails = 2
	mb := New(store, Options{RetryAttempts: 3, RetryBackoff: time.Millisecond, NewID: sequentialIDs()})

	if _, err := mb.Enqueue(ctx, "u1", sampleMessage("s", 1)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if store.puts != 3 {
		t.Fatalf("expected 3 put attempts, got %d", store.puts)
	}
}

func TestRetryExhaustionReports(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.putFails = 5
	var reported []string
	mb := New(store, Options{
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		OnStoreError:  func(op string, _ error) { reported = append(reported, op) },
	})

	_, err := mb.Enqueue(ctx, "u1", sampleMessage("s", 1))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if len(reported) != 1 || reported[0] != "enqueue" {
		t.Fatalf("expected enqueue failure reported once, got %v", reported)
	}
}

func TestDeleteFailureKeepsMessageForRedelivery(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	mb := New(store, Options{NewID: sequentialIDs(), RetryBackoff: time.Millisecond})
	_, _ = mb.Enqueue(ctx, "u1", sampleMessage("s", 1))

	store.delFails = 1
	res, err := mb.Drain(ctx, "u1", func(Message) error { return nil })
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Delivered != 1 || res.Undeleted != 1 {
		t.Fatalf("expected delivered but undeleted, got %+v", res)
	}

	redelivered := 0
	if _, err := mb.Drain(ctx, "u1", func(Message) error { redelivered++; return nil }); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if redelivered != 1 {
		t.Fatalf("expected at-least-once redelivery, got %d", redelivered)
	}
}

func TestSealedRecordsAreOpaque(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	mb := New(store, Options{Sealer: xorSealer{}, NewID: sequentialIDs()})
	_, _ = mb.Enqueue(ctx, "u1", sampleMessage("s", 7))

	var doc map[string]any
	if err := json.Unmarshal(store.items["u1"]["00000001"], &doc); err == nil {
		t.Fatal("expected sealed blob not to decode as JSON")
	}

	var got Message
	if _, err := mb.Drain(ctx, "u1", func(m Message) error { got = m; return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got.Time != 7 || got.Sender != "s" {
		t.Fatalf("unexpected sealed round trip: %+v", got)
	}
}

func TestUnreadableRecordSkipped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	_ = store.Put(ctx, "u1", "00000000", []byte("not json"))
	mb := New(store, Options{NewID: sequentialIDs()})
	_, _ = mb.Enqueue(ctx, "u1", sampleMessage("s", 1))

	res, err := mb.Drain(ctx, "u1", func(Message) error { return nil })
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Delivered != 1 || res.Skipped != 1 {
		t.Fatalf("expected one skipped record, got %+v", res)
	}
}

func TestInvalidRecipient(t *testing.T) {
	mb := New(newFakeStore(), Options{})
	if _, err := mb.Enqueue(context.Background(), "", Message{}); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if _, err := mb.Drain(context.Background(), "", nil); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestDefaultIDsSortByCreation(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := newMessageID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s after %s", id, prev)
		}
		prev = id
	}
}
