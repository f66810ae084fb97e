package dbus

import (
	"encoding/binary"
	"testing"
	"time"
)

// waitForSentAtIndex waits until ft has sent at least i+1 messages and
// returns the one at index i, for tests that need to answer a sequence of
// chained bus calls (e.g. RequestName followed by its auto-subscribe
// AddMatch).
func waitForSentAtIndex(t *testing.T, ft *fakeTransport, i int) *Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		if len(ft.sent) > i {
			m := ft.sent[i]
			ft.mu.Unlock()
			return m
		}
		ft.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for sent message at index %d", i)
	return nil
}

func TestRequestNameRecordsOwnedName(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	resultCh := make(chan struct {
		reply RequestNameReply
		err   error
	}, 1)
	go func() {
		r, err := c.RequestName("org.example.Name", NameFlagDoNotQueue)
		resultCh <- struct {
			reply RequestNameReply
			err   error
		}{r, err}
	}()

	sent := waitForSentAtIndex(t, ft, 0)
	reply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, sent.Serial(), uint32(RequestNameReplyPrimaryOwner))
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	reply.SetSerial(200)
	ft.inbox <- reply

	// RequestName's success triggers an automatic NameOwnerChanged
	// subscription; answer that AddMatch call too so RequestName can return.
	addMatch := waitForSentAtIndex(t, ft, 1)
	if addMatch.Headers[FieldMember].Value().(string) != "AddMatch" {
		t.Fatalf("second sent message member = %v, want AddMatch", addMatch.Headers[FieldMember].Value())
	}
	addMatchReply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, addMatch.Serial())
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	addMatchReply.SetSerial(201)
	ft.inbox <- addMatchReply

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("RequestName: %v", res.err)
	}
	if res.reply != RequestNameReplyPrimaryOwner {
		t.Fatalf("reply = %v, want RequestNameReplyPrimaryOwner", res.reply)
	}

	names := c.Names()
	if len(names) != 1 || names[0] != "org.example.Name" {
		t.Fatalf("Names() = %v, want [org.example.Name]", names)
	}
}

// TestRequestNameAutoTracksOwnershipLoss checks that once RequestName
// succeeds, a subsequent NameOwnerChanged signal reporting the name's loss
// removes it from Names() without any explicit ReleaseName call.
func TestRequestNameAutoTracksOwnershipLoss(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	resultCh := make(chan struct {
		reply RequestNameReply
		err   error
	}, 1)
	go func() {
		r, err := c.RequestName("org.example.Name", NameFlagDoNotQueue)
		resultCh <- struct {
			reply RequestNameReply
			err   error
		}{r, err}
	}()

	sent := waitForSentAtIndex(t, ft, 0)
	reply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, sent.Serial(), uint32(RequestNameReplyPrimaryOwner))
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	reply.SetSerial(210)
	ft.inbox <- reply

	addMatch := waitForSentAtIndex(t, ft, 1)
	addMatchReply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, addMatch.Serial())
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	addMatchReply.SetSerial(211)
	ft.inbox <- addMatchReply

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("RequestName: %v", res.err)
	}
	if names := c.Names(); len(names) != 1 {
		t.Fatalf("Names() = %v, want [org.example.Name] before loss", names)
	}

	sig, err := NewSignal(binary.LittleEndian, FormatDBus, "/org/freedesktop/DBus",
		"org.freedesktop.DBus", "NameOwnerChanged", "org.example.Name", string(c.uniqueName), ":1.999")
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	sig.Headers[FieldSender] = MakeVariant(string(BusName("org.freedesktop.DBus")))
	sig.SetSerial(212)
	ft.inbox <- sig

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Names()) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Names() still contains org.example.Name after a NameOwnerChanged loss signal: %v", c.Names())
}

func TestReleaseNameRemovesOwnedName(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	c.namesLck.Lock()
	c.names = append(c.names, "org.example.Name")
	c.namesLck.Unlock()

	resultCh := make(chan struct {
		reply ReleaseNameReply
		err   error
	}, 1)
	go func() {
		r, err := c.ReleaseName("org.example.Name")
		resultCh <- struct {
			reply ReleaseNameReply
			err   error
		}{r, err}
	}()

	sent := waitForSent(t, ft)
	reply, err := NewMethodReturn(binary.LittleEndian, FormatDBus, sent.Serial(), uint32(ReleaseNameReplyReleased))
	if err != nil {
		t.Fatalf("NewMethodReturn: %v", err)
	}
	reply.SetSerial(201)
	ft.inbox <- reply

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("ReleaseName: %v", res.err)
	}
	if res.reply != ReleaseNameReplyReleased {
		t.Fatalf("reply = %v, want ReleaseNameReplyReleased", res.reply)
	}
	if names := c.Names(); len(names) != 0 {
		t.Fatalf("Names() = %v, want empty", names)
	}
}
