package dbus

import (
	"context"
	"reflect"
	"strings"
)

// Call represents a pending or completed method call.
type Call struct {
	Destination BusName
	Path        ObjectPath
	Method      string
	Args        []interface{}

	// Strobes when the call is complete.
	Done chan *Call

	// After completion, the error status. If this is non-nil, it may be an
	// error reply from the peer (wrapped as a KindMethodError Error) or
	// some other transport-level error.
	Err error

	// Body holds the reply's decoded values once the call completes.
	Body []Value

	// serial is the message serial this call is waiting on a reply for,
	// used by CallWithContext to discard the call's entry in Conn.calls if
	// its context is cancelled before a reply arrives.
	serial uint32
}

// Store assigns the body of the reply into the provided pointers, in
// order. It returns the call's error if one occurred, or a
// KindSignatureMismatch error if the reply doesn't have enough values.
func (c *Call) Store(retvalues ...interface{}) error {
	if c.Err != nil {
		return c.Err
	}
	if len(retvalues) > len(c.Body) {
		return newErr(KindSignatureMismatch, "reply has %d values, %d requested", len(c.Body), len(retvalues))
	}
	for i, v := range retvalues {
		if err := assignValue(c.Body[i], reflect.ValueOf(v)); err != nil {
			return err
		}
	}
	return nil
}

// Object represents a remote object on which methods can be invoked.
type Object struct {
	conn *Conn
	dest BusName
	path ObjectPath
}

// Call invokes method synchronously and waits for its reply, with no
// timeout of its own. Use CallWithContext to bound how long it waits.
func (o *Object) Call(method string, flags HeaderFlags, args ...interface{}) *Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

// CallWithContext invokes method synchronously, waiting for its reply or
// for ctx to be done, whichever comes first. If ctx is cancelled or its
// deadline passes first, the pending call's entry is discarded so a reply
// that arrives later is dropped rather than delivered to a channel no one
// reads, and the returned Call's Err is a KindTimeout Error wrapping
// ctx.Err().
func (o *Object) CallWithContext(ctx context.Context, method string, flags HeaderFlags, args ...interface{}) *Call {
	ch := make(chan *Call, 1)
	call := o.Go(method, flags, ch, args...)
	if call == nil || call.Err != nil {
		return call
	}
	if flags&FlagNoReplyExpected != 0 {
		return call
	}
	select {
	case done := <-ch:
		return done
	case <-ctx.Done():
		o.conn.cancelCall(call.serial)
		call.Err = wrapErr(KindTimeout, ctx.Err(), "waiting for reply to %s", method)
		return call
	}
}

// Go invokes method asynchronously, returning a Call that will be sent on
// ch once the reply (or a transport error) arrives. If ch is nil a new
// buffered channel is allocated; otherwise ch must be buffered.
//
// If flags includes FlagNoReplyExpected, Go sends the call and returns
// nil without waiting for anything.
//
// If method contains a '.', the portion before the last dot names the
// interface the method is called on.
func (o *Object) Go(method string, flags HeaderFlags, ch chan *Call, args ...interface{}) *Call {
	iface := ""
	if i := strings.LastIndex(method, "."); i != -1 {
		iface = method[:i]
		method = method[i+1:]
	}
	msg, err := NewMethodCall(o.conn.order, o.conn.format, o.path, iface, method, o.dest, args...)
	if err != nil {
		return o.failedCall(method, args, ch, err)
	}
	msg.Flags = flags & (FlagNoAutoStart | FlagNoReplyExpected)
	msg.SetSerial(<-o.conn.serial)

	if msg.Flags&FlagNoReplyExpected != 0 {
		o.conn.out <- msg
		return nil
	}
	if ch == nil {
		ch = make(chan *Call, 10)
	} else if cap(ch) == 0 {
		panic("(*dbus.Object).Go: unbuffered channel")
	}
	call := &Call{
		Destination: o.dest,
		Path:        o.path,
		Method:      method,
		Args:        args,
		Done:        ch,
		serial:      msg.Serial(),
	}
	o.conn.callsLck.Lock()
	o.conn.calls[msg.Serial()] = call
	o.conn.callsLck.Unlock()
	o.conn.out <- msg
	return call
}

func (o *Object) failedCall(method string, args []interface{}, ch chan *Call, err error) *Call {
	if ch == nil {
		ch = make(chan *Call, 1)
	}
	call := &Call{Destination: o.dest, Path: o.path, Method: method, Args: args, Done: ch, Err: err}
	ch <- call
	return call
}

// Destination returns the destination that calls on o are sent to.
func (o *Object) Destination() BusName { return o.dest }

// Path returns the object path that calls on o are sent to.
func (o *Object) Path() ObjectPath { return o.path }
