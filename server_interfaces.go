package dbus

import (
	"encoding/xml"
	"os"
	"strings"
)

const (
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
)

// handleStandardInterface serves the three interfaces every D-Bus object
// implicitly supports, without requiring the application to Export
// anything for them. It reports whether it handled msg.
func (c *Conn) handleStandardInterface(msg *Message, path ObjectPath, iface, member string) bool {
	if iface != "" && iface != ifacePeer && iface != ifaceIntrospectable && iface != ifaceProperties {
		return false
	}
	switch {
	case iface == ifacePeer || (iface == "" && (member == "Ping" || member == "GetMachineId")):
		return c.handlePeer(msg, member)
	case iface == ifaceIntrospectable || (iface == "" && member == "Introspect"):
		if member != "Introspect" {
			return false
		}
		return c.handleIntrospect(msg, path)
	case iface == ifaceProperties:
		return c.handleProperties(msg, path, member)
	}
	return false
}

func (c *Conn) handlePeer(msg *Message, member string) bool {
	switch member {
	case "Ping":
		if msg.Flags&FlagNoReplyExpected == 0 {
			reply, err := NewMethodReturn(c.order, c.format, msg.Serial())
			if err == nil {
				reply.SetSerial(<-c.serial)
				c.out <- reply
			}
		}
		return true
	case "GetMachineId":
		reply, err := NewMethodReturn(c.order, c.format, msg.Serial(), machineID())
		if err == nil {
			reply.SetSerial(<-c.serial)
			c.out <- reply
		}
		return true
	}
	return false
}

// introspectNode is the minimal subset of the introspection XML schema this
// package emits: interface and method names only, no argument directions
// or signatures, sufficient for discovery tooling that just wants to know
// what is exported where.
type introspectNode struct {
	XMLName    xml.Name             `xml:"node"`
	Interfaces []introspectIface    `xml:"interface"`
}

type introspectIface struct {
	Name    string             `xml:"name,attr"`
	Methods []introspectMethod `xml:"method"`
}

type introspectMethod struct {
	Name string `xml:"name,attr"`
}

func (c *Conn) handleIntrospect(msg *Message, path ObjectPath) bool {
	c.objectsLck.RLock()
	obj, ok := c.objects[path]
	var node introspectNode
	node.Interfaces = append(node.Interfaces,
		introspectIface{Name: ifacePeer, Methods: []introspectMethod{{Name: "Ping"}, {Name: "GetMachineId"}}},
		introspectIface{Name: ifaceIntrospectable, Methods: []introspectMethod{{Name: "Introspect"}}},
		introspectIface{Name: ifaceProperties, Methods: []introspectMethod{{Name: "Get"}, {Name: "GetAll"}, {Name: "Set"}}},
	)
	if ok {
		for name, ei := range obj.interfaces {
			ifc := introspectIface{Name: name}
			for method := range ei.methods {
				ifc.Methods = append(ifc.Methods, introspectMethod{Name: method})
			}
			node.Interfaces = append(node.Interfaces, ifc)
		}
	}
	c.objectsLck.RUnlock()

	out, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		c.replyError(msg, "org.freedesktop.DBus.Error.Failed", "marshalling introspection data: %v", err)
		return true
	}
	reply, err := NewMethodReturn(c.order, c.format, msg.Serial(), string(out))
	if err == nil && msg.Flags&FlagNoReplyExpected == 0 {
		reply.SetSerial(<-c.serial)
		c.out <- reply
	}
	return true
}

// handleProperties serves Get/GetAll/Set against a PropertySource
// registered via ExportProperties, if any. Without one, Get and Set report
// an UnknownInterface error and GetAll returns an empty dictionary.
func (c *Conn) handleProperties(msg *Message, path ObjectPath, member string) bool {
	switch member {
	case "Get":
		if len(msg.Body) != 2 {
			c.replyError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "Get expects (interface, property)")
			return true
		}
		iface, _ := msg.Body[0].goValue().(string)
		prop, _ := msg.Body[1].goValue().(string)
		c.propertiesLck.RLock()
		src, ok := c.properties[path]
		c.propertiesLck.RUnlock()
		if !ok {
			c.replyError(msg, "org.freedesktop.DBus.Error.UnknownInterface", "no properties exported at %s", path)
			return true
		}
		v, err := src.Get(iface, prop)
		if err != nil {
			c.replyError(msg, "org.freedesktop.DBus.Error.UnknownProperty", "%v", err)
			return true
		}
		reply, err := NewMethodReturn(c.order, c.format, msg.Serial(), MakeVariant(v))
		if err == nil && msg.Flags&FlagNoReplyExpected == 0 {
			reply.SetSerial(<-c.serial)
			c.out <- reply
		}
		return true
	case "GetAll":
		if len(msg.Body) != 1 {
			c.replyError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "GetAll expects (interface)")
			return true
		}
		iface, _ := msg.Body[0].goValue().(string)
		c.propertiesLck.RLock()
		src, ok := c.properties[path]
		c.propertiesLck.RUnlock()
		all := map[string]interface{}{}
		if ok {
			all = src.GetAll(iface)
		}
		reply, err := NewMethodReturn(c.order, c.format, msg.Serial(), all)
		if err == nil && msg.Flags&FlagNoReplyExpected == 0 {
			reply.SetSerial(<-c.serial)
			c.out <- reply
		}
		return true
	case "Set":
		if len(msg.Body) != 3 {
			c.replyError(msg, "org.freedesktop.DBus.Error.InvalidArgs", "Set expects (interface, property, value)")
			return true
		}
		iface, _ := msg.Body[0].goValue().(string)
		prop, _ := msg.Body[1].goValue().(string)
		val := msg.Body[2].goValue()
		c.propertiesLck.RLock()
		src, ok := c.properties[path]
		c.propertiesLck.RUnlock()
		if !ok {
			c.replyError(msg, "org.freedesktop.DBus.Error.UnknownInterface", "no properties exported at %s", path)
			return true
		}
		if err := src.Set(iface, prop, val); err != nil {
			c.replyError(msg, "org.freedesktop.DBus.Error.PropertyReadOnly", "%v", err)
			return true
		}
		if msg.Flags&FlagNoReplyExpected == 0 {
			reply, err := NewMethodReturn(c.order, c.format, msg.Serial())
			if err == nil {
				reply.SetSerial(<-c.serial)
				c.out <- reply
			}
		}
		c.emitPropertiesChanged(path, iface, prop, val)
		return true
	}
	return false
}

// emitPropertiesChanged fires org.freedesktop.DBus.Properties.PropertiesChanged
// after a successful Set, with an empty invalidated-properties list since the
// new value is always known and included directly.
func (c *Conn) emitPropertiesChanged(path ObjectPath, iface, prop string, val interface{}) {
	changed := map[string]interface{}{prop: val}
	invalidated := []string{}
	if err := c.Emit(path, ifaceProperties, "PropertiesChanged", iface, changed, invalidated); err != nil {
		c.log.WithError(err).WithField("path", path).Warn("failed to emit PropertiesChanged")
	}
}

// PropertySource backs the org.freedesktop.DBus.Properties interface for
// an exported object.
type PropertySource interface {
	Get(iface, property string) (interface{}, error)
	GetAll(iface string) map[string]interface{}
	Set(iface, property string, value interface{}) error
}

// ExportProperties registers src as the Properties backing for path.
func (c *Conn) ExportProperties(path ObjectPath, src PropertySource) {
	c.propertiesLck.Lock()
	defer c.propertiesLck.Unlock()
	if c.properties == nil {
		c.properties = make(map[ObjectPath]PropertySource)
	}
	c.properties[path] = src
}

var cachedMachineID string

// machineID returns a best-effort unique identifier for GetMachineId,
// read once from /etc/machine-id if present.
func machineID() string {
	if cachedMachineID != "" {
		return cachedMachineID
	}
	cachedMachineID = readMachineIDFile()
	return cachedMachineID
}

func readMachineIDFile() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		b, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return "0000000000000000000000000000000"
}
