// Package comm implements the custom-message (comm) protocol used for
// widgets and other front-end/kernel side channels (§4.6): a multiplexer
// keyed by comm_id routes comm_open/comm_msg/comm_close to the
// handler.CommTargetHandler registered for that comm's target_name.
package comm

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// Multiplexer owns every open comm for the lifetime of the kernel. It is
// safe for concurrent use; comm_open/comm_msg/comm_close can arrive
// interleaved with a backend-initiated open.
type Multiplexer struct {
	mu      sync.Mutex
	targets map[string]handler.CommTargetHandler
	open    map[string]string // comm_id -> target_name
}

// New creates an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		targets: map[string]handler.CommTargetHandler{},
		open:    map[string]string{},
	}
}

// RegisterTarget associates a CommTargetHandler with a target_name. A
// comm_open for any other target is rejected with a comm_close (§4.6
// "unknown target_name").
func (m *Multiplexer) RegisterTarget(targetName string, h handler.CommTargetHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[targetName] = h
}

// HandleOpen processes a front-end-initiated comm_open.
func (m *Multiplexer) HandleOpen(content wire.CommOpen, pub handler.Publisher) error {
	m.mu.Lock()
	h, known := m.targets[content.TargetName]
	if known {
		m.open[content.CommID] = content.TargetName
	}
	m.mu.Unlock()

	if !known {
		klog.V(1).Infof("comm: comm_open for unregistered target %q (comm_id=%s) rejected", content.TargetName, content.CommID)
		pub.CommClose(content.CommID, nil)
		return nil
	}
	return h.OnOpen(content.CommID, content.Data, pub)
}

// HandleMsg processes a comm_msg. A comm_msg for a comm_id that was never
// opened, or was already closed, is dropped silently (§4.6 "messages after
// close").
func (m *Multiplexer) HandleMsg(content wire.CommMsg, pub handler.Publisher) error {
	m.mu.Lock()
	targetName, ok := m.open[content.CommID]
	var h handler.CommTargetHandler
	if ok {
		h = m.targets[targetName]
	}
	m.mu.Unlock()

	if !ok {
		klog.V(1).Infof("comm: comm_msg for unknown/closed comm_id=%s dropped", content.CommID)
		return nil
	}
	return h.OnMessage(content.CommID, content.Data, pub)
}

// HandleClose processes a comm_close, whichever side initiated it.
func (m *Multiplexer) HandleClose(content wire.CommClose) error {
	m.mu.Lock()
	targetName, ok := m.open[content.CommID]
	if ok {
		delete(m.open, content.CommID)
	}
	var h handler.CommTargetHandler
	if ok {
		h = m.targets[targetName]
	}
	m.mu.Unlock()

	if !ok {
		klog.V(1).Infof("comm: comm_close for unknown comm_id=%s ignored", content.CommID)
		return nil
	}
	return h.OnClose(content.CommID, content.Data)
}

// Info answers a comm_info_request, optionally filtered to one
// target_name (empty means "all comms").
func (m *Multiplexer) Info(targetFilter string) wire.CommInfoReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	comms := map[string]wire.CommInfoEntry{}
	for commID, targetName := range m.open {
		if targetFilter != "" && targetFilter != targetName {
			continue
		}
		comms[commID] = wire.CommInfoEntry{TargetName: targetName}
	}
	return wire.CommInfoReply{Status: "ok", Comms: comms}
}

// OpenFromBackend registers a comm the kernel itself is opening (rather
// than the front end), publishing the corresponding comm_open broadcast.
// Per §9 ("backend-initiated comm opens"), this does not invoke the
// target's OnOpen -- that callback exists for comms the front end opens.
func (m *Multiplexer) OpenFromBackend(commID, targetName string, data map[string]any, pub handler.Publisher) {
	m.mu.Lock()
	m.open[commID] = targetName
	m.mu.Unlock()
	pub.CommOpen(commID, targetName, data)
}

// CloseAll closes every open comm, publishing a comm_close for each. Called
// during shutdown_request handling (§4.6).
func (m *Multiplexer) CloseAll(pub handler.Publisher) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.open))
	for commID := range m.open {
		ids = append(ids, commID)
	}
	m.open = map[string]string{}
	m.mu.Unlock()

	for _, commID := range ids {
		pub.CommClose(commID, nil)
	}
}
