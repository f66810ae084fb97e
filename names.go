package dbus

// RequestNameFlags are the flag bits accepted by RequestName.
type RequestNameFlags uint32

const (
	NameFlagAllowReplacement RequestNameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestNameReply is the bus's reply code to a RequestName call.
type RequestNameReply uint32

const (
	RequestNameReplyPrimaryOwner RequestNameReply = 1 + iota
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

// ReleaseNameReply is the bus's reply code to a ReleaseName call.
type ReleaseNameReply uint32

const (
	ReleaseNameReplyReleased ReleaseNameReply = 1 + iota
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

// RequestName asks the bus to assign the well-known name to this
// connection, per flags. On success the name is recorded so Names
// reflects it.
func (c *Conn) RequestName(name BusName, flags RequestNameFlags) (RequestNameReply, error) {
	var reply uint32
	call := c.busObj.Call("org.freedesktop.DBus.RequestName", 0, string(name), uint32(flags))
	if call.Err != nil {
		return 0, call.Err
	}
	if err := call.Store(&reply); err != nil {
		return 0, err
	}
	r := RequestNameReply(reply)
	switch r {
	case RequestNameReplyPrimaryOwner, RequestNameReplyAlreadyOwner:
		c.namesLck.Lock()
		c.names = append(c.names, name)
		c.namesLck.Unlock()
		c.watchOwnedName(name)
	case RequestNameReplyInQueue:
		// Not owned yet, but queued; still worth tracking so Names()
		// reflects ownership automatically once the current owner releases
		// or disconnects and the bus hands it to us.
		c.watchOwnedName(name)
	}
	return r, nil
}

// watchOwnedName subscribes to NameOwnerChanged for name and keeps c.names
// in sync with the bus's view of who owns it, so a name queued or acquired
// via RequestName is added or removed automatically as ownership changes,
// without the caller having to poll or separately call WatchNameOwner.
func (c *Conn) watchOwnedName(name BusName) {
	watcher, err := c.WatchNameOwner(name)
	if err != nil {
		c.log.WithError(err).WithField("name", name).Warn("failed to watch name ownership")
		return
	}
	go func() {
		for {
			_, newOwner, ok := watcher.Next()
			if !ok {
				return
			}
			c.namesLck.Lock()
			mine := newOwner != "" && newOwner == c.uniqueName
			if mine {
				if !containsName(c.names, name) {
					c.names = append(c.names, name)
				}
			} else {
				c.names = removeName(c.names, name)
			}
			c.namesLck.Unlock()
		}
	}()
}

func containsName(names []BusName, name BusName) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func removeName(names []BusName, name BusName) []BusName {
	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	return kept
}

// ReleaseName asks the bus to release a previously acquired well-known
// name.
func (c *Conn) ReleaseName(name BusName) (ReleaseNameReply, error) {
	var reply uint32
	call := c.busObj.Call("org.freedesktop.DBus.ReleaseName", 0, string(name))
	if call.Err != nil {
		return 0, call.Err
	}
	if err := call.Store(&reply); err != nil {
		return 0, err
	}
	c.namesLck.Lock()
	kept := c.names[:0]
	for _, n := range c.names {
		if n != name {
			kept = append(kept, n)
		}
	}
	c.names = kept
	c.namesLck.Unlock()
	return ReleaseNameReply(reply), nil
}

// Names returns the bus names currently owned by this connection
// (the unique name assigned by Hello plus any well-known names acquired
// via RequestName).
func (c *Conn) Names() []BusName {
	c.namesLck.RLock()
	defer c.namesLck.RUnlock()
	out := make([]BusName, len(c.names))
	copy(out, c.names)
	return out
}

// NameOwnerWatcher delivers NameOwnerChanged notifications for name.
type NameOwnerWatcher struct {
	Name    BusName
	ch      <-chan *Signal
	matchCh <-chan *Signal
}

// WatchNameOwner subscribes to org.freedesktop.DBus.NameOwnerChanged
// signals for name, delivering (oldOwner, newOwner) pairs; newOwner == ""
// means the name was lost (NameLost semantics), oldOwner == "" means it
// was just acquired (NameAcquired semantics).
func (c *Conn) WatchNameOwner(name BusName) (*NameOwnerWatcher, error) {
	ch, err := c.AddMatchSignal(SignalMatch{
		Sender:    "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
	}, 16)
	if err != nil {
		return nil, err
	}
	return &NameOwnerWatcher{Name: name, ch: ch}, nil
}

// Next blocks until a NameOwnerChanged signal for w.Name arrives,
// returning the old and new owning unique names.
func (w *NameOwnerWatcher) Next() (oldOwner, newOwner BusName, ok bool) {
	for sig := range w.ch {
		if len(sig.Body) != 3 {
			continue
		}
		name, _ := sig.Body[0].goValue().(string)
		if BusName(name) != w.Name {
			continue
		}
		o, _ := sig.Body[1].goValue().(string)
		n, _ := sig.Body[2].goValue().(string)
		return BusName(o), BusName(n), true
	}
	return "", "", false
}
