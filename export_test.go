package dbus

import (
	"encoding/binary"
	"testing"
)

type greeter struct{}

func (greeter) Greet(name string) (string, *Error) {
	if name == "" {
		return "", &Error{Kind: KindMethodError, Name: "org.example.Error.InvalidArgs", Detail: "name is empty"}
	}
	return "hello, " + name, nil
}

func TestExportDispatchesMethodCall(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	if err := c.Export(greeter{}, "/org/example/Greeter", "org.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Greeter",
		"org.example.Greeter", "Greet", "", "world")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(1)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeMethodReturn {
		t.Fatalf("reply type = %v, want TypeMethodReturn", reply.Type)
	}
	if len(reply.Body) != 1 || reply.Body[0].AsStr() != "hello, world" {
		t.Fatalf("reply body = %v", reply.Body)
	}
}

func TestExportMethodErrorBecomesErrorReply(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	if err := c.Export(greeter{}, "/org/example/Greeter", "org.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Greeter",
		"org.example.Greeter", "Greet", "", "")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(2)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeError {
		t.Fatalf("reply type = %v, want TypeError", reply.Type)
	}
	if reply.Headers[FieldErrorName].Value().(string) != "org.example.Error.InvalidArgs" {
		t.Fatalf("error name = %v", reply.Headers[FieldErrorName].Value())
	}
}

func TestCallToUnexportedPathReturnsUnknownObject(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Nothing",
		"org.example.Nothing", "Whatever", "")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(3)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeError {
		t.Fatalf("reply type = %v, want TypeError", reply.Type)
	}
	if reply.Headers[FieldErrorName].Value().(string) != "org.freedesktop.DBus.Error.UnknownObject" {
		t.Fatalf("error name = %v", reply.Headers[FieldErrorName].Value())
	}
}

func TestCallToUnexportedInterfaceReturnsUnknownInterface(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	if err := c.Export(greeter{}, "/org/example/Greeter", "org.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Greeter",
		"org.example.NotExported", "Whatever", "")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(5)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeError {
		t.Fatalf("reply type = %v, want TypeError", reply.Type)
	}
	if reply.Headers[FieldErrorName].Value().(string) != "org.freedesktop.DBus.Error.UnknownInterface" {
		t.Fatalf("error name = %v", reply.Headers[FieldErrorName].Value())
	}
}

func TestCallToUnexportedMethodReturnsUnknownMethod(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	if err := c.Export(greeter{}, "/org/example/Greeter", "org.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Greeter",
		"org.example.Greeter", "Whatever", "")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(6)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeError {
		t.Fatalf("reply type = %v, want TypeError", reply.Type)
	}
	if reply.Headers[FieldErrorName].Value().(string) != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Fatalf("error name = %v", reply.Headers[FieldErrorName].Value())
	}
}

func TestPeerPingReplies(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, binary.LittleEndian, FormatDBus)
	defer c.Close()

	call, err := NewMethodCall(binary.LittleEndian, FormatDBus, "/org/example/Anything",
		"org.freedesktop.DBus.Peer", "Ping", "")
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	call.SetSerial(4)
	ft.inbox <- call

	reply := waitForSent(t, ft)
	if reply.Type != TypeMethodReturn {
		t.Fatalf("reply type = %v, want TypeMethodReturn", reply.Type)
	}
}
