package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

type recordingPublisher struct {
	opens  []string
	msgs   []string
	closes []string
}

func (p *recordingPublisher) Stream(string, string)                            {}
func (p *recordingPublisher) ExecuteResult(int, map[string]any, map[string]any) {}
func (p *recordingPublisher) ExecuteError(string, string, []string)             {}
func (p *recordingPublisher) Custom(string, any)                               {}
func (p *recordingPublisher) CommOpen(commID, targetName string, data map[string]any) {
	p.opens = append(p.opens, commID)
}
func (p *recordingPublisher) CommMsg(commID string, data map[string]any) {
	p.msgs = append(p.msgs, commID)
}
func (p *recordingPublisher) CommClose(commID string, data map[string]any) {
	p.closes = append(p.closes, commID)
}

var _ handler.Publisher = (*recordingPublisher)(nil)

type fullTarget struct {
	opened []string
	msgs   []string
	closed []string
}

func (t *fullTarget) OnOpen(commID string, data map[string]any, pub handler.Publisher) error {
	t.opened = append(t.opened, commID)
	return nil
}
func (t *fullTarget) OnMessage(commID string, data map[string]any, pub handler.Publisher) error {
	t.msgs = append(t.msgs, commID)
	return nil
}
func (t *fullTarget) OnClose(commID string, data map[string]any) error {
	t.closed = append(t.closed, commID)
	return nil
}

var _ handler.CommTargetHandler = (*fullTarget)(nil)

func TestOpenMsgCloseLifecycle(t *testing.T) {
	mux := New()
	target := &fullTarget{}
	mux.RegisterTarget("widget", target)

	pub := &recordingPublisher{}
	require.NoError(t, mux.HandleOpen(wire.CommOpen{CommID: "c1", TargetName: "widget", Data: map[string]any{"x": 1}}, pub))
	assert.Equal(t, []string{"c1"}, target.opened)

	info := mux.Info("")
	require.Contains(t, info.Comms, "c1")
	assert.Equal(t, "widget", info.Comms["c1"].TargetName)

	require.NoError(t, mux.HandleMsg(wire.CommMsg{CommID: "c1", Data: map[string]any{"y": 2}}, pub))
	assert.Equal(t, []string{"c1"}, target.msgs)

	require.NoError(t, mux.HandleClose(wire.CommClose{CommID: "c1"}))
	assert.Equal(t, []string{"c1"}, target.closed)

	// A message for a comm_id that is now closed is dropped, not
	// delivered to the target again.
	require.NoError(t, mux.HandleMsg(wire.CommMsg{CommID: "c1", Data: nil}, pub))
	assert.Equal(t, []string{"c1"}, target.msgs)
}

func TestUnknownTargetIgnored(t *testing.T) {
	mux := New()
	pub := &recordingPublisher{}
	err := mux.HandleOpen(wire.CommOpen{CommID: "c2", TargetName: "nope"}, pub)
	require.NoError(t, err)
	info := mux.Info("")
	assert.NotContains(t, info.Comms, "c2")
}

func TestOpenFromBackendPublishesWithoutInvokingHandler(t *testing.T) {
	mux := New()
	target := &fullTarget{}
	mux.RegisterTarget("widget", target)
	pub := &recordingPublisher{}

	mux.OpenFromBackend("c3", "widget", map[string]any{"k": "v"}, pub)
	assert.Equal(t, []string{"c3"}, pub.opens)
	assert.Empty(t, target.opened, "backend-initiated open must not call OnOpen")

	info := mux.Info("widget")
	require.Contains(t, info.Comms, "c3")
}

func TestCloseAllPublishesCommCloseForEveryOpenComm(t *testing.T) {
	mux := New()
	target := &fullTarget{}
	mux.RegisterTarget("widget", target)
	pub := &recordingPublisher{}
	require.NoError(t, mux.HandleOpen(wire.CommOpen{CommID: "c4", TargetName: "widget"}, pub))
	require.NoError(t, mux.HandleOpen(wire.CommOpen{CommID: "c5", TargetName: "widget"}, pub))

	mux.CloseAll(pub)
	assert.ElementsMatch(t, []string{"c4", "c5"}, pub.closes)
	assert.Empty(t, mux.Info("").Comms)
}
