package chat

import (
	"testing"

	"github.com/gorilla/websocket"
)

func TestDispatcher_DeadSiblingDoesNotAbort(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	d := NewDispatcher(reg, nil)
	dead := testConn(t, reg, "u")
	live := testConn(t, reg, "u")
	dead.Close(websocket.CloseAbnormalClosure, "")

	if !d.Deliver("u", Encode(TypeNotification, "x")) {
		t.Fatal("one live connection should make Deliver true")
	}
	if len(drain(t, live)) != 1 {
		t.Error("live sibling missed the push")
	}
	if len(drain(t, dead)) != 0 {
		t.Error("dead connection received a push")
	}
}

func TestDispatcher_FullQueueIsNonEvent(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	d := NewDispatcher(reg, nil)
	c := newConn(nil, ConnConf{SendQueue: 1})
	reg.Register("u", c)

	if !d.Deliver("u", []byte(`{"type":"a"}`)) {
		t.Fatal("first push should fit")
	}
	if d.Deliver("u", []byte(`{"type":"b"}`)) {
		t.Error("push to a full queue should report false")
	}
}

func TestDispatcher_BroadcastAll(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	d := NewDispatcher(reg, nil)
	a := testConn(t, reg, "a")
	testConn(t, reg, "b")
	testConn(t, reg, "b")
	a.Close(websocket.CloseNormalClosure, "")

	if n := d.BroadcastAll(Encode(TypeNotification, "maintenance")); n != 2 {
		t.Errorf("broadcast count: got %d, want 2", n)
	}
}
