package chat

import (
	"go.uber.org/zap"
)

// Dispatcher pushes payloads to every live connection of an identity.
type Dispatcher struct {
	reg *Registry
	log *zap.Logger
}

func NewDispatcher(reg *Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{reg: reg, log: log}
}

// Deliver reports whether at least one connection of userID accepted the
// payload. A dead or saturated connection only affects itself.
func (d *Dispatcher) Deliver(userID string, payload []byte) bool {
	conns := d.reg.ConnectionsFor(userID)
	delivered := false
	for _, c := range conns {
		if !c.Alive() {
			continue
		}
		if c.Push(payload) {
			delivered = true
			continue
		}
		d.log.Warn("push dropped", zap.String("user", userID), zap.String("key", c.Key()))
	}
	return delivered
}

// BroadcastAll pushes payload to every connection and returns how many accepted it.
func (d *Dispatcher) BroadcastAll(payload []byte) int {
	n := 0
	for _, c := range d.reg.All() {
		if c.Alive() && c.Push(payload) {
			n++
		}
	}
	return n
}
