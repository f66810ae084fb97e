package dbus

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn represents a D-Bus connection: a full-duplex message stream over
// one transport, with serial assignment, reply correlation, signal
// subscriptions and name-ownership tracking layered on top.
type Conn struct {
	transport transport
	order     binary.ByteOrder
	format    Format

	serial chan uint32
	closed chan struct{}
	closeOnce sync.Once

	callsLck sync.Mutex
	calls    map[uint32]*Call

	namesLck   sync.RWMutex
	names      []BusName
	uniqueName BusName

	matchLck sync.Mutex
	matches  []*matchSubscription
	ruleRegs map[string]*ruleRegistration

	out chan *Message

	objectsLck sync.RWMutex
	objects    map[ObjectPath]*exportedObject

	propertiesLck sync.RWMutex
	properties    map[ObjectPath]PropertySource

	log *logrus.Entry

	busObj *Object
}

// Option configures a Conn at Dial time.
type Option func(*Conn)

// WithOutboundQueueSize bounds the outbound message queue; once full,
// sending blocks (applying backpressure to callers) rather than growing
// without limit.
func WithOutboundQueueSize(n int) Option {
	return func(c *Conn) { c.out = make(chan *Message, n) }
}

// WithLogger overrides the logrus logger used for connection lifecycle
// events.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Conn) { c.log = l }
}

const defaultOutboundQueueSize = 256

// SessionBus dials a new connection to the session message bus at
// DBUS_SESSION_BUS_ADDRESS on every call.
func SessionBus(opts ...Option) (*Conn, error) {
	addr, err := sessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(addr, opts...)
}

// SystemBus returns a connection to the system message bus.
func SystemBus(opts ...Option) (*Conn, error) {
	return Dial(systemBusAddress(), opts...)
}

// Dial connects to the bus at addr, completes the authentication
// handshake, and starts the connection's read/write goroutines. Neither
// Dial nor SessionBus/SystemBus sends Hello; call (*Conn).Hello after
// connecting to a bus.
func Dial(addr string, opts ...Option) (*Conn, error) {
	t, err := dialAddress(addr)
	if err != nil {
		return nil, err
	}
	return newConn(t, binary.LittleEndian, FormatDBus, opts...), nil
}

func newConn(t transport, order binary.ByteOrder, format Format, opts ...Option) *Conn {
	c := &Conn{
		transport: t,
		order:     order,
		format:    format,
		serial:    make(chan uint32),
		closed:    make(chan struct{}),
		calls:     make(map[uint32]*Call),
		out:       make(chan *Message, defaultOutboundQueueSize),
		objects:   make(map[ObjectPath]*exportedObject),
		ruleRegs:  make(map[string]*ruleRegistration),
		log:       logrus.WithField("component", "dbus.conn"),
	}
	for _, o := range opts {
		o(c)
	}
	c.busObj = &Object{conn: c, dest: "org.freedesktop.DBus", path: "/org/freedesktop/DBus"}
	go c.serialGen()
	go c.outWorker()
	go c.inWorker()
	return c
}

func (c *Conn) serialGen() {
	var s uint32 = 1
	for {
		select {
		case c.serial <- s:
			s++
			if s == 0 {
				// Serial 0 is reserved (it never appears on the wire as a
				// valid message serial); skip straight past it on wraparound.
				s = 1
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) outWorker() {
	for {
		select {
		case msg := <-c.out:
			if err := c.transport.SendMessage(msg); err != nil {
				c.log.WithError(err).Warn("send failed, closing connection")
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) inWorker() {
	for {
		msg, err := c.transport.ReadMessage(c.format)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Warn("read failed, closing connection")
			}
			c.Close()
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		c.handleReply(msg)
	case TypeSignal:
		c.handleSignal(msg)
	case TypeMethodCall:
		c.handleMethodCall(msg)
	}
}

func valuesToInterfaces(vs []Value) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v.goValue()
	}
	return out
}

func (c *Conn) handleReply(msg *Message) {
	rs, ok := msg.Headers[FieldReplySerial]
	if !ok {
		return
	}
	serial, ok := rs.Value().(uint32)
	if !ok {
		return
	}
	c.callsLck.Lock()
	call, ok := c.calls[serial]
	if ok {
		delete(c.calls, serial)
	}
	c.callsLck.Unlock()
	if !ok {
		return
	}
	if msg.Type == TypeError {
		name := "unknown.Error"
		if v, ok := msg.Headers[FieldErrorName]; ok {
			name, _ = v.Value().(string)
		}
		call.Err = methodErr(name, valuesToInterfaces(msg.Body))
	} else {
		call.Body = msg.Body
	}
	call.Done <- call
}

// Close shuts down the connection's goroutines and underlying transport.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.transport.Close()
}

// Object returns a proxy for the remote object at path on dest.
func (c *Conn) Object(dest BusName, path ObjectPath) *Object {
	return &Object{conn: c, dest: dest, path: path}
}

// BusObject returns a proxy for the bus daemon itself
// (org.freedesktop.DBus at /org/freedesktop/DBus).
func (c *Conn) BusObject() *Object { return c.busObj }

// Hello performs the mandatory first call every bus connection must make,
// recording the unique name the bus assigned us.
func (c *Conn) Hello() (BusName, error) {
	var name string
	call := c.busObj.Call("org.freedesktop.DBus.Hello", 0)
	if call.Err != nil {
		return "", call.Err
	}
	if err := call.Store(&name); err != nil {
		return "", err
	}
	c.namesLck.Lock()
	c.uniqueName = BusName(name)
	c.names = append(c.names, BusName(name))
	c.namesLck.Unlock()
	return BusName(name), nil
}

// cancelCall discards a pending call's entry, so a reply that arrives after
// the caller has given up (e.g. its context was cancelled) is dropped
// instead of being delivered to a Done channel nobody is reading.
func (c *Conn) cancelCall(serial uint32) {
	c.callsLck.Lock()
	delete(c.calls, serial)
	c.callsLck.Unlock()
}

// Emit sends a signal from path/iface.member with the given body.
func (c *Conn) Emit(path ObjectPath, iface, member string, args ...interface{}) error {
	msg, err := NewSignal(c.order, c.format, path, iface, member, args...)
	if err != nil {
		return err
	}
	msg.SetSerial(<-c.serial)
	c.out <- msg
	return nil
}
