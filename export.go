package dbus

import (
	"reflect"
)

// exportedInterface is one interface's worth of methods exported on a path.
type exportedInterface struct {
	methods map[string]reflect.Value
}

// exportedObject is everything exported at one object path: zero or more
// interfaces, keyed by interface name.
type exportedObject struct {
	interfaces map[string]*exportedInterface
}

// errorType is the type every exported method's last return value must
// satisfy: (*Error)(nil) signals success.
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Export makes the methods of value available for remote invocation at
// path under iface. value's exported methods are matched to D-Bus members
// by name; each method must return, as its last result, something
// assignable to error (nil on success), with any preceding results
// becoming the method-return body in order.
//
// Passing a nil value unexports iface from path.
func (c *Conn) Export(value interface{}, path ObjectPath, iface string) error {
	if !path.IsValid() {
		return newErr(KindIncorrectValue, "invalid object path %q", path)
	}
	c.objectsLck.Lock()
	defer c.objectsLck.Unlock()

	if value == nil {
		if obj, ok := c.objects[path]; ok {
			delete(obj.interfaces, iface)
			if len(obj.interfaces) == 0 {
				delete(c.objects, path)
			}
		}
		return nil
	}

	rv := reflect.ValueOf(value)
	methods := make(map[string]reflect.Value)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		mt := m.Func.Type()
		if mt.NumOut() == 0 || !mt.Out(mt.NumOut()-1).Implements(errorType) {
			continue
		}
		methods[m.Name] = rv.Method(i)
	}

	obj, ok := c.objects[path]
	if !ok {
		obj = &exportedObject{interfaces: make(map[string]*exportedInterface)}
		c.objects[path] = obj
	}
	obj.interfaces[iface] = &exportedInterface{methods: methods}
	return nil
}

// lookupResult distinguishes the three ways a method dispatch can miss, so
// handleMethodCall can reply with the matching standard D-Bus error name
// instead of always claiming the method itself is unknown.
type lookupResult int

const (
	lookupOK lookupResult = iota
	lookupNoObject
	lookupNoInterface
	lookupNoMethod
)

func (c *Conn) lookupMethod(path ObjectPath, iface, member string) (reflect.Value, lookupResult) {
	c.objectsLck.RLock()
	defer c.objectsLck.RUnlock()
	obj, ok := c.objects[path]
	if !ok {
		return reflect.Value{}, lookupNoObject
	}
	if iface != "" {
		ei, ok := obj.interfaces[iface]
		if !ok {
			return reflect.Value{}, lookupNoInterface
		}
		m, ok := ei.methods[member]
		if !ok {
			return reflect.Value{}, lookupNoMethod
		}
		return m, lookupOK
	}
	for _, ei := range obj.interfaces {
		if m, ok := ei.methods[member]; ok {
			return m, lookupOK
		}
	}
	return reflect.Value{}, lookupNoMethod
}

func (c *Conn) handleMethodCall(msg *Message) {
	pathV, hasPath := msg.Headers[FieldPath]
	memberV, hasMember := msg.Headers[FieldMember]
	if !hasPath || !hasMember {
		return
	}
	path := pathV.Value().(ObjectPath)
	member := memberV.Value().(string)
	iface := ""
	if v, ok := msg.Headers[FieldInterface]; ok {
		iface = v.Value().(string)
	}

	if handled := c.handleStandardInterface(msg, path, iface, member); handled {
		return
	}

	method, result := c.lookupMethod(path, iface, member)
	switch result {
	case lookupOK:
		c.invokeExported(msg, method)
	case lookupNoObject:
		c.replyError(msg, "org.freedesktop.DBus.Error.UnknownObject", "no object exported at %q", path)
	case lookupNoInterface:
		c.replyError(msg, "org.freedesktop.DBus.Error.UnknownInterface", "no interface %q exported at %q", iface, path)
	default:
		c.replyUnknownMethod(msg, iface, member)
	}
}

func (c *Conn) invokeExported(msg *Message, method reflect.Value) {
	mt := method.Type()
	nIn := mt.NumIn()
	if len(msg.Body) != nIn {
		c.replyError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "expected %d arguments, got %d", nIn, len(msg.Body))
		return
	}
	args := make([]reflect.Value, nIn)
	for i := 0; i < nIn; i++ {
		target := reflect.New(mt.In(i))
		if err := assignValue(msg.Body[i], target); err != nil {
			c.replyError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "argument %d: %v", i, err)
			return
		}
		args[i] = target.Elem()
	}

	out := method.Call(args)
	errVal := out[len(out)-1]
	if !errVal.IsNil() {
		err := errVal.Interface().(error)
		if derr, ok := err.(*Error); ok && derr.Name != "" {
			c.replyError(msg, derr.Name, "%s", derr.Detail)
		} else {
			c.replyError(msg, "org.freedesktop.DBus.Error.Failed", "%v", err)
		}
		return
	}

	if msg.Flags&FlagNoReplyExpected != 0 {
		return
	}
	results := make([]interface{}, len(out)-1)
	for i, rv := range out[:len(out)-1] {
		results[i] = rv.Interface()
	}
	reply, err := NewMethodReturn(c.order, c.format, msg.Serial(), results...)
	if err != nil {
		c.replyError(msg, "org.freedesktop.DBus.Error.Failed", "%v", err)
		return
	}
	if v, ok := msg.Headers[FieldSender]; ok {
		reply.Headers[FieldDestination] = v
	}
	reply.SetSerial(<-c.serial)
	c.out <- reply
}

func (c *Conn) replyUnknownMethod(msg *Message, iface, member string) {
	c.replyError(msg, "org.freedesktop.DBus.Error.UnknownMethod",
		"no method %q on interface %q is exported", member, iface)
}

func (c *Conn) replyError(msg *Message, name, format string, args ...interface{}) {
	if msg.Flags&FlagNoReplyExpected != 0 {
		return
	}
	reply, err := NewError(c.order, c.format, msg.Serial(), name, newErr(KindMethodError, format, args...).Detail)
	if err != nil {
		return
	}
	if v, ok := msg.Headers[FieldSender]; ok {
		reply.Headers[FieldDestination] = v
	}
	reply.SetSerial(<-c.serial)
	c.out <- reply
}
