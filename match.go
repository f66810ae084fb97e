package dbus

import "fmt"

// SignalMatch describes the fields of a signal subscription, mirroring the
// bus's AddMatch rule syntax for the subset this package supports.
type SignalMatch struct {
	Sender    BusName
	Path      ObjectPath
	Interface string
	Member    string
}

// rule renders m as a bus AddMatch rule string.
func (m SignalMatch) rule() string {
	s := "type='signal'"
	if m.Sender != "" {
		s += fmt.Sprintf(",sender='%s'", m.Sender)
	}
	if m.Path != "" {
		s += fmt.Sprintf(",path='%s'", m.Path)
	}
	if m.Interface != "" {
		s += fmt.Sprintf(",interface='%s'", m.Interface)
	}
	if m.Member != "" {
		s += fmt.Sprintf(",member='%s'", m.Member)
	}
	return s
}

func (m SignalMatch) matches(msg *Message) bool {
	if m.Path != "" {
		if v, ok := msg.Headers[FieldPath]; !ok || v.Value().(ObjectPath) != m.Path {
			return false
		}
	}
	if m.Interface != "" {
		if v, ok := msg.Headers[FieldInterface]; !ok || v.Value().(string) != m.Interface {
			return false
		}
	}
	if m.Member != "" {
		if v, ok := msg.Headers[FieldMember]; !ok || v.Value().(string) != m.Member {
			return false
		}
	}
	if m.Sender != "" {
		if v, ok := msg.Headers[FieldSender]; !ok || BusName(v.Value().(string)) != m.Sender {
			return false
		}
	}
	return true
}

// matchSubscription is one registered signal subscription: a filter and the
// channel signals matching it are broadcast to.
type matchSubscription struct {
	match SignalMatch
	ch    chan *Signal
}

// ruleRegistration tracks how many live subscriptions share one bus-side
// AddMatch rule, so the rule is only registered once (on the first
// subscriber) and only torn down once the last subscriber leaves.
type ruleRegistration struct {
	refCount int
}

// Signal is a decoded signal delivered to a subscriber.
type Signal struct {
	Sender BusName
	Path   ObjectPath
	Name   string // "interface.member"
	Body   []Value
}

// AddMatchSignal subscribes to signals matching m, returning a channel
// signals are delivered on. The bus-side AddMatch rule is shared across
// every subscription with an identical rule string: only the first
// subscriber for a given rule issues the bus call, later ones just bump a
// refcount, and RemoveMatchSignal only issues RemoveMatch once the last
// such subscriber is gone.
func (c *Conn) AddMatchSignal(m SignalMatch, bufSize int) (<-chan *Signal, error) {
	if bufSize <= 0 {
		bufSize = 16
	}
	rule := m.rule()

	c.matchLck.Lock()
	reg, ok := c.ruleRegs[rule]
	if !ok {
		reg = &ruleRegistration{}
		c.ruleRegs[rule] = reg
	}
	reg.refCount++
	needsRegister := reg.refCount == 1
	c.matchLck.Unlock()

	if needsRegister {
		call := c.busObj.Call("org.freedesktop.DBus.AddMatch", 0, rule)
		if call.Err != nil {
			c.matchLck.Lock()
			reg.refCount--
			if reg.refCount == 0 {
				delete(c.ruleRegs, rule)
			}
			c.matchLck.Unlock()
			return nil, call.Err
		}
	}

	sub := &matchSubscription{match: m, ch: make(chan *Signal, bufSize)}
	c.matchLck.Lock()
	c.matches = append(c.matches, sub)
	c.matchLck.Unlock()
	return sub.ch, nil
}

// RemoveMatchSignal unregisters a subscription, closing ch. The bus-side
// rule is only torn down via RemoveMatch once no other subscription shares
// its rule string.
func (c *Conn) RemoveMatchSignal(m SignalMatch, ch <-chan *Signal) error {
	rule := m.rule()

	c.matchLck.Lock()
	kept := c.matches[:0]
	var removed *matchSubscription
	for _, sub := range c.matches {
		if sub.ch == ch && removed == nil {
			removed = sub
			continue
		}
		kept = append(kept, sub)
	}
	c.matches = kept

	var needsUnregister bool
	if reg, ok := c.ruleRegs[rule]; ok {
		reg.refCount--
		if reg.refCount <= 0 {
			delete(c.ruleRegs, rule)
			needsUnregister = true
		}
	}
	c.matchLck.Unlock()

	if removed == nil {
		return newErr(KindIncorrectValue, "no matching subscription")
	}
	close(removed.ch)

	if !needsUnregister {
		return nil
	}
	call := c.busObj.Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	return call.Err
}

func (c *Conn) handleSignal(msg *Message) {
	var sender BusName
	if v, ok := msg.Headers[FieldSender]; ok {
		sender = BusName(v.Value().(string))
	}
	var path ObjectPath
	if v, ok := msg.Headers[FieldPath]; ok {
		path = v.Value().(ObjectPath)
	}
	name := ""
	if v, ok := msg.Headers[FieldInterface]; ok {
		name = v.Value().(string)
	}
	if v, ok := msg.Headers[FieldMember]; ok {
		name += "." + v.Value().(string)
	}
	sig := &Signal{Sender: sender, Path: path, Name: name, Body: msg.Body}

	c.matchLck.Lock()
	var recipients []chan *Signal
	for _, sub := range c.matches {
		if sub.match.matches(msg) {
			recipients = append(recipients, sub.ch)
		}
	}
	c.matchLck.Unlock()

	// Delivery blocks on a full subscriber channel rather than dropping the
	// signal, so a slow subscriber applies backpressure instead of silently
	// missing updates; this runs outside matchLck so it can't deadlock
	// against a concurrent AddMatchSignal/RemoveMatchSignal.
	for _, ch := range recipients {
		ch <- sig
	}
}
