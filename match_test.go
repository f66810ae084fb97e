package dbus

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestSignalMatchRule(t *testing.T) {
	m := SignalMatch{Sender: "org.example.Sender", Path: "/a/b", Interface: "org.example.Iface", Member: "Changed"}
	want := "type='signal',sender='org.example.Sender',path='/a/b',interface='org.example.Iface',member='Changed'"
	if got := m.rule(); got != want {
		t.Fatalf("rule() = %q, want %q", got, want)
	}
}

func TestSignalMatchMatchesPartialFilter(t *testing.T) {
	msg, err := NewSignal(binary.LittleEndian, FormatDBus, "/a", "org.example.Iface", "Changed", uint32(1))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	onlyInterface := SignalMatch{Interface: "org.example.Iface"}
	if !onlyInterface.matches(msg) {
		t.Fatalf("expected interface-only filter to match")
	}
	wrongMember := SignalMatch{Member: "NotThisOne"}
	if wrongMember.matches(msg) {
		t.Fatalf("expected mismatched member filter to reject")
	}
}

// sentMembersCount counts how many messages sent so far on ft invoke the
// named bus member (e.g. "AddMatch" or "RemoveMatch").
func sentMembersCount(ft *fakeTransport, member string) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, msg := range ft.sent {
		if v, ok := msg.Headers[FieldMember]; ok {
			if s, _ := v.Value().(string); s == member {
				n++
			}
		}
	}
	return n
}

// answerPendingCall waits until a call to the given bus member has been
// sent and replies to it with an empty method return, unblocking a
// synchronous (*Object).Call.
func answerPendingCall(t *testing.T, ft *fakeTransport, member string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sentMembersCount(ft, member) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a %s call to be sent", member)
		}
		time.Sleep(time.Millisecond)
	}
	sent := waitForSent(t, ft)
	reply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, sent.Serial())
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	reply.SetSerial(9999)
	ft.inbox <- reply
}

// TestAddMatchSignalDedupesIdenticalRule checks that two subscriptions for
// the exact same rule only issue one bus-side AddMatch call, and that the
// bus registration is only torn down once both subscribers unsubscribe.
func TestAddMatchSignalDedupesIdenticalRule(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	m := SignalMatch{Interface: "org.example.Iface", Member: "Changed"}

	type addResult struct {
		ch  <-chan *Signal
		err error
	}
	res1 := make(chan addResult, 1)
	go func() {
		ch, err := c.AddMatchSignal(m, 4)
		res1 <- addResult{ch, err}
	}()
	answerPendingCall(t, ft, "AddMatch")
	first := <-res1
	if first.err != nil {
		t.Fatalf("first AddMatchSignal: %v", first.err)
	}

	ch2, err := c.AddMatchSignal(m, 4)
	if err != nil {
		t.Fatalf("second AddMatchSignal: %v", err)
	}

	if n := sentMembersCount(ft, "AddMatch"); n != 1 {
		t.Fatalf("AddMatch sent %d times, want exactly 1", n)
	}

	if err := c.RemoveMatchSignal(m, ch2); err != nil {
		t.Fatalf("first RemoveMatchSignal: %v", err)
	}
	if n := sentMembersCount(ft, "RemoveMatch"); n != 0 {
		t.Fatalf("RemoveMatch sent %d times after first unsubscribe, want 0", n)
	}

	removeErr := make(chan error, 1)
	go func() {
		removeErr <- c.RemoveMatchSignal(m, first.ch)
	}()
	answerPendingCall(t, ft, "RemoveMatch")
	if err := <-removeErr; err != nil {
		t.Fatalf("second RemoveMatchSignal: %v", err)
	}
	if n := sentMembersCount(ft, "RemoveMatch"); n != 1 {
		t.Fatalf("RemoveMatch sent %d times after last unsubscribe, want exactly 1", n)
	}
}

// TestHandleSignalBlocksOnFullChannel checks that signal delivery to a
// full subscriber channel blocks rather than silently dropping the signal.
func TestHandleSignalBlocksOnFullChannel(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	sub := &matchSubscription{
		match: SignalMatch{Interface: "org.example.Iface", Member: "Changed"},
		ch:    make(chan *Signal, 1),
	}
	c.matchLck.Lock()
	c.matches = append(c.matches, sub)
	c.matchLck.Unlock()

	mkSignal := func(serial uint32, v uint32) *Message {
		sig, err := NewSignal(binary.LittleEndian, FormatDBus, "/a", "org.example.Iface", "Changed", v)
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		sig.SetSerial(serial)
		return sig
	}

	ft.inbox <- mkSignal(1, 1) // fills the buffer of 1
	ft.inbox <- mkSignal(2, 2) // handleSignal must block delivering this one

	// Give the connection's read loop a moment to deliver the first signal
	// and block on the second; the channel should still only report one
	// buffered value until it's drained.
	time.Sleep(20 * time.Millisecond)

	first := <-sub.ch
	if first.Body[0].AsU32() != 1 {
		t.Fatalf("first delivered value = %d, want 1", first.Body[0].AsU32())
	}

	select {
	case second := <-sub.ch:
		if second.Body[0].AsU32() != 2 {
			t.Fatalf("second delivered value = %d, want 2", second.Body[0].AsU32())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the blocked signal to be delivered")
	}
}
