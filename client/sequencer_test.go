package client

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mini-varlink/message"
	"mini-varlink/transport"
)

// fakeChannel records sends and lets tests deliver events by hand.
type fakeChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	listeners []transport.Listener
	sendErr   error
	onSend    func(data []byte)
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	err, hook := c.sendErr, c.onSend
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *fakeChannel) AddListener(l transport.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *fakeChannel) RemoveListener(l transport.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *fakeChannel) snapshot() []transport.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Listener(nil), c.listeners...)
}

func (c *fakeChannel) deliver(data string) {
	for _, l := range c.snapshot() {
		l.OnMessage([]byte(data))
	}
}

func (c *fakeChannel) closeWith(reason *message.TransportCloseError) {
	for _, l := range c.snapshot() {
		l.OnClose(reason)
	}
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

const getVersion = "io.projectatomic.podman.GetVersion"

func TestGetVersionResolves(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)

	outcome, err := seq.Call(getVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"method\":\"io.projectatomic.podman.GetVersion\",\"parameters\":{}}\x00"
	if got := string(ch.sent[0]); got != want {
		t.Fatalf("sent %q, want %q", got, want)
	}
	if outcome.Kind() != Pending || !seq.Busy() {
		t.Fatal("expect pending call before any reply")
	}

	ch.deliver("{\"parameters\":{\"version\":{\"version\":\"1.4.2\"}}}\x00")

	if outcome.Kind() != Resolved {
		t.Fatalf("expect resolved, got %v (%v)", outcome.Kind(), outcome.Err())
	}
	version := outcome.Parameters()["version"].(map[string]any)
	if version["version"] != "1.4.2" {
		t.Fatalf("unexpected parameters %v", outcome.Parameters())
	}
	var reply struct {
		Version struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	if err := outcome.Decode(&reply); err != nil || reply.Version.Version != "1.4.2" {
		t.Fatalf("Decode = %+v, %v", reply, err)
	}
	if ch.listenerCount() != 0 || seq.Busy() {
		t.Fatal("listener or slot not released")
	}
}

func TestRemoteErrorRejects(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	outcome, _ := seq.Call(getVersion, nil)

	ch.deliver("{\"error\":\"NotFound\"}\x00")

	if outcome.Kind() != RejectedRemote {
		t.Fatalf("expect remote error, got %v", outcome.Kind())
	}
	var remote *message.RemoteError
	if !errors.As(outcome.Err(), &remote) || remote.Name() != "NotFound" {
		t.Fatalf("unexpected error %v", outcome.Err())
	}
	if _, err := outcome.Wait(context.Background()); !errors.As(err, &remote) {
		t.Fatalf("Wait should return the remote error, got %v", err)
	}
	if outcome.Decode(&struct{}{}) == nil {
		t.Fatal("Decode of a rejected outcome should fail")
	}
}

func TestMissingTerminatorRejectsProtocol(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	outcome, _ := seq.Call(getVersion, nil)

	ch.deliver(`{"parameters":{}}`)

	var perr *message.ProtocolError
	if outcome.Kind() != RejectedProtocol || !errors.As(outcome.Err(), &perr) {
		t.Fatalf("expect protocol error, got %v %v", outcome.Kind(), outcome.Err())
	}
	if !strings.Contains(perr.Error(), "terminating 0") {
		t.Fatalf("error should mention the terminator: %v", perr)
	}
	if !seq.OutOfSync() {
		t.Fatal("sequencer should report the stream out of sync")
	}

	// The channel stays usable.
	next, err := seq.Call(getVersion, nil)
	if err != nil {
		t.Fatalf("call after protocol error: %v", err)
	}
	ch.deliver("{\"parameters\":{}}\x00")
	if next.Kind() != Resolved {
		t.Fatalf("expect resolved, got %v", next.Kind())
	}
	if !seq.OutOfSync() {
		t.Fatal("out of sync should stick after a later success")
	}
}

func TestCloseBeforeMessage(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	outcome, _ := seq.Call(getVersion, nil)
	l := ch.snapshot()[0]

	ch.closeWith(&message.TransportCloseError{Problem: transport.ProblemDisconnected})

	var closeErr *message.TransportCloseError
	if outcome.Kind() != RejectedClose || !errors.As(outcome.Err(), &closeErr) {
		t.Fatalf("expect transport close, got %v %v", outcome.Kind(), outcome.Err())
	}
	if closeErr.Reason() != transport.ProblemDisconnected {
		t.Fatalf("unexpected reason %v", closeErr.Reason())
	}
	if ch.listenerCount() != 0 {
		t.Fatal("listener still attached")
	}

	// A stray event reaching the old listener changes nothing.
	l.OnMessage([]byte("{\"parameters\":{}}\x00"))
	if outcome.Kind() != RejectedClose || seq.Busy() {
		t.Fatalf("late message changed state: %v busy=%v", outcome.Kind(), seq.Busy())
	}
}

func TestCloseWithoutProblemUsesOptions(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	outcome, _ := seq.Call(getVersion, nil)

	ch.closeWith(&message.TransportCloseError{Options: map[string]any{"code": 7}})

	var closeErr *message.TransportCloseError
	if !errors.As(outcome.Err(), &closeErr) {
		t.Fatalf("expect transport close, got %v", outcome.Err())
	}
	if opts, ok := closeErr.Reason().(map[string]any); !ok || opts["code"] != 7 {
		t.Fatalf("expect raw options as reason, got %v", closeErr.Reason())
	}
}

func TestSecondCallWhileInFlight(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	if _, err := seq.Call(getVersion, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := seq.Call("io.projectatomic.podman.ListImages", nil); !errors.Is(err, ErrCallInFlight) {
		t.Fatalf("expect ErrCallInFlight, got %v", err)
	}
	if ch.sentCount() != 1 || ch.listenerCount() != 1 {
		t.Fatalf("rejected call touched the channel: sent=%d listeners=%d", ch.sentCount(), ch.listenerCount())
	}
}

func TestSendFailureRejects(t *testing.T) {
	ch := &fakeChannel{sendErr: &message.TransportCloseError{Problem: transport.ProblemTerminated}}
	seq := NewSequencer(ch)

	outcome, err := seq.Call(getVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind() != RejectedClose || seq.Busy() || ch.listenerCount() != 0 {
		t.Fatalf("expect settled close: kind=%v busy=%v", outcome.Kind(), seq.Busy())
	}
}

func TestSendFailurePlainError(t *testing.T) {
	ch := &fakeChannel{sendErr: errors.New("boom")}
	outcome, _ := NewSequencer(ch).Call(getVersion, nil)

	var closeErr *message.TransportCloseError
	if !errors.As(outcome.Err(), &closeErr) || closeErr.Problem != transport.ProblemInternalError {
		t.Fatalf("expect internal-error close, got %v", outcome.Err())
	}
}

func TestEncodeErrorSendsNothing(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	if _, err := seq.Call(getVersion, message.Parameters{"bad": make(chan int)}); err == nil {
		t.Fatal("expect encode error")
	}
	if ch.sentCount() != 0 || seq.Busy() {
		t.Fatal("failed encode should leave the channel untouched")
	}
}

func TestChainedCallsSendAfterSettle(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)

	var (
		mu    sync.Mutex
		first *Outcome
	)
	ch.onSend = func(data []byte) {
		mu.Lock()
		prev := first
		mu.Unlock()
		if prev != nil && bytes.Contains(data, []byte("ListImages")) && !prev.Settled() {
			t.Error("ListImages sent before GetVersion settled")
		}
		go ch.deliver("{\"parameters\":{}}\x00")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := seq.Call(getVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	first = outcome
	mu.Unlock()
	if _, err := outcome.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := seq.Do(ctx, "io.projectatomic.podman.ListImages", nil); err != nil {
		t.Fatal(err)
	}
	if ch.sentCount() != 2 {
		t.Fatalf("expect 2 sends, got %d", ch.sentCount())
	}
}

func TestSettledSlotIsFreeImmediately(t *testing.T) {
	ch := &fakeChannel{}
	ch.onSend = func([]byte) { go ch.deliver("{\"parameters\":{}}\x00") }
	seq := NewSequencer(ch)

	for i := 0; i < 200; i++ {
		outcome, err := seq.Call(getVersion, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		<-outcome.Done()
	}
}

func TestWaitAbandonedKeepsCallOutstanding(t *testing.T) {
	ch := &fakeChannel{}
	seq := NewSequencer(ch)
	outcome, _ := seq.Call(getVersion, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := outcome.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if outcome.Kind() != Pending || !seq.Busy() {
		t.Fatal("abandoned wait must not settle the call")
	}
	ch.deliver("{\"parameters\":{}}\x00")
	if outcome.Kind() != Resolved {
		t.Fatalf("late reply should still resolve, got %v", outcome.Kind())
	}
}
