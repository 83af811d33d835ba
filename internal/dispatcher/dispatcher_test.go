package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupyter-ark/arkgo/examples/exprhandler"
	"github.com/jupyter-ark/arkgo/internal/comm"
	"github.com/jupyter-ark/arkgo/internal/interplock"
	"github.com/jupyter-ark/arkgo/internal/iopub"
	"github.com/jupyter-ark/arkgo/internal/kernel"
	"github.com/jupyter-ark/arkgo/internal/session"
	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/stdin"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// fakeSocket is an in-memory socket.ZSocket: Recv drains a channel of
// pre-queued inbound messages, Send/SendMulti append to a recorded slice.
type fakeSocket struct {
	mu   sync.Mutex
	sent []zmq4.Msg
	in   chan zmq4.Msg
}

func newFakeSocket() *fakeSocket { return &fakeSocket{in: make(chan zmq4.Msg, 16)} }

func (s *fakeSocket) Listen(string) error { return nil }
func (s *fakeSocket) Send(m zmq4.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}
func (s *fakeSocket) SendMulti(m zmq4.Msg) error { return s.Send(m) }
func (s *fakeSocket) Recv() (zmq4.Msg, error) {
	m, ok := <-s.in
	if !ok {
		return zmq4.Msg{}, errClosed
	}
	return m, nil
}
func (s *fakeSocket) Close() error { close(s.in); return nil }

func (s *fakeSocket) messages() []zmq4.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]zmq4.Msg, len(s.sent))
	copy(out, s.sent)
	return out
}

type closedError struct{}

func (closedError) Error() string { return "fakeSocket: closed" }

var errClosed = closedError{}

// testHarness wires a real Dispatcher over fake sockets and an
// exprhandler.Handler, mirroring cmd/rkernel's wiring.
type testHarness struct {
	k    *kernel.Kernel
	d    *Dispatcher
	sh   *fakeSocket
	ctl  *fakeSocket
	io   *fakeSocket
	in   *fakeSocket
	hb   *fakeSocket
	codec *wire.Codec
	sess *session.Session
}

func newHarness(t *testing.T) *testHarness {
	sh, ctl, io, in, hb := newFakeSocket(), newFakeSocket(), newFakeSocket(), newFakeSocket(), newFakeSocket()
	group := &socket.Group{
		Shell:   socket.Sync{Socket: sh},
		Control: socket.Sync{Socket: ctl},
		Stdin:   socket.Sync{Socket: in},
		IOPub:   socket.Sync{Socket: io},
		HB:      socket.Sync{Socket: hb},
	}
	key := []byte("test-signing-key")
	sess, err := session.New("kernel", key)
	require.NoError(t, err)
	codec := wire.NewCodec(key)

	k := kernel.NewFromGroup(group, codec, sess)
	pub := iopub.New(codec, k.IOPubSocket())
	go pub.Run()
	lock := interplock.New()
	rendezvous := stdin.New(codec, k.StdinSocket())
	mux := comm.New()
	runtime := exprhandler.New(lock)
	mux.RegisterTarget("arkgo.vars", runtime)

	d := New(k, pub, rendezvous, mux, lock, runtime, runtime, nil)
	go d.Run(context.Background())

	t.Cleanup(func() { k.Stop() })
	return &testHarness{k: k, d: d, sh: sh, ctl: ctl, io: io, in: in, hb: hb, codec: codec, sess: sess}
}

func (h *testHarness) sendShell(msgType string, content any) {
	h.send(h.sh, msgType, content)
}

func (h *testHarness) sendControl(msgType string, content any) {
	h.send(h.ctl, msgType, content)
}

func (h *testHarness) send(s *fakeSocket, msgType string, content any) {
	header, err := wire.NewHeader(msgType, h.sess.ID, h.sess.Username)
	if err != nil {
		panic(err)
	}
	raw, err := wire.MarshalContent(content)
	if err != nil {
		panic(err)
	}
	msg := &wire.Message{Identities: [][]byte{[]byte("frontend-1")}, Header: header, Content: raw}
	frames, err := h.codec.Encode(msg)
	if err != nil {
		panic(err)
	}
	wireFrames := append([][]byte{}, msg.Identities...)
	wireFrames = append(wireFrames, []byte("<IDS|MSG>"))
	wireFrames = append(wireFrames, frames...)
	s.in <- zmq4.NewMsgFrom(wireFrames...)
}

// decodeSent decodes every frame set sent on s via h.codec, skipping any
// leading routing identities.
func (h *testHarness) decodeSent(s *fakeSocket) []*wire.Message {
	var out []*wire.Message
	for _, m := range s.messages() {
		msg, err := h.codec.Decode(m.Frames)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func msgTypes(msgs []*wire.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Header.MsgType
	}
	return out
}

func TestKernelInfoRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.sendShell("kernel_info_request", struct{}{})

	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.sh)) >= 1
	}, time.Second, 5*time.Millisecond)

	replies := h.decodeSent(h.sh)
	require.Len(t, replies, 1)
	assert.Equal(t, "kernel_info_reply", replies[0].Header.MsgType)

	var reply wire.KernelInfoReply
	require.NoError(t, json.Unmarshal(replies[0].Content, &reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, "expr", reply.LanguageInfo.Name)

	iopubMsgs := h.decodeSent(h.io)
	assert.Contains(t, msgTypes(iopubMsgs), "status")
}

func TestSimpleExecuteBroadcastsBusyInputResultIdle(t *testing.T) {
	h := newHarness(t)
	h.sendShell("execute_request", wire.ExecuteRequest{Code: "2*21", StoreHistory: true})

	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.sh)) >= 1
	}, time.Second, 5*time.Millisecond)

	iopubMsgs := h.decodeSent(h.io)
	types := msgTypes(iopubMsgs)
	assert.Contains(t, types, "execute_input")
	assert.Contains(t, types, "execute_result")
	// status must bracket: busy appears before idle.
	var busyIdx, idleIdx = -1, -1
	for i, m := range iopubMsgs {
		if m.Header.MsgType != "status" {
			continue
		}
		var st wire.KernelStatus
		require.NoError(t, json.Unmarshal(m.Content, &st))
		if st.ExecutionState == wire.StatusBusy && busyIdx == -1 {
			busyIdx = i
		}
		if st.ExecutionState == wire.StatusIdle {
			idleIdx = i
		}
	}
	require.NotEqual(t, -1, busyIdx)
	require.NotEqual(t, -1, idleIdx)
	assert.Less(t, busyIdx, idleIdx)

	replies := h.decodeSent(h.sh)
	require.Len(t, replies, 1)
	var reply wire.ExecuteReply
	require.NoError(t, json.Unmarshal(replies[0].Content, &reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, 1, reply.ExecutionCount)
}

func TestExecuteErrorPublishesErrorAndErrorReply(t *testing.T) {
	h := newHarness(t)
	h.sendShell("execute_request", wire.ExecuteRequest{Code: "undefined_var"})

	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.sh)) >= 1
	}, time.Second, 5*time.Millisecond)

	replies := h.decodeSent(h.sh)
	require.Len(t, replies, 1)
	var reply wire.ExecuteReplyException
	require.NoError(t, json.Unmarshal(replies[0].Content, &reply))
	assert.Equal(t, "error", reply.Status)
	assert.NotEmpty(t, reply.EValue)

	assert.Contains(t, msgTypes(h.decodeSent(h.io)), "error")
}

func TestCommLifecycleOpenMsgCloseThenDrop(t *testing.T) {
	h := newHarness(t)
	h.sendShell("comm_open", wire.CommOpen{CommID: "c1", TargetName: "arkgo.vars", Data: map[string]any{}})

	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.io)) >= 1
	}, time.Second, 5*time.Millisecond)

	h.sendShell("comm_msg", wire.CommMsg{CommID: "c1", Data: map[string]any{}})

	require.Eventually(t, func() bool {
		types := msgTypes(h.decodeSent(h.io))
		return containsAll(types, "comm_msg", "comm_msg")
	}, time.Second, 5*time.Millisecond)

	h.sendShell("comm_close", wire.CommClose{CommID: "c1"})
	time.Sleep(20 * time.Millisecond) // let HandleClose run before the probe below

	// A comm_msg for the now-closed comm_id must be dropped silently: no
	// further comm_msg broadcast should appear.
	before := len(h.decodeSent(h.io))
	h.sendShell("comm_msg", wire.CommMsg{CommID: "c1", Data: map[string]any{}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(h.decodeSent(h.io)))
}

func containsAll(haystack []string, wants ...string) bool {
	remaining := append([]string{}, wants...)
	for _, h := range haystack {
		for i, w := range remaining {
			if h == w {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return len(remaining) == 0
}

func TestBadSignatureMessageDroppedPumpContinues(t *testing.T) {
	h := newHarness(t)
	badCodec := wire.NewCodec([]byte("wrong-key"))
	header, err := wire.NewHeader("kernel_info_request", h.sess.ID, h.sess.Username)
	require.NoError(t, err)
	raw, err := wire.MarshalContent(struct{}{})
	require.NoError(t, err)
	frames, err := badCodec.Encode(&wire.Message{Header: header, Content: raw})
	require.NoError(t, err)
	wireFrames := [][]byte{[]byte("frontend-1"), []byte("<IDS|MSG>")}
	wireFrames = append(wireFrames, frames...)
	h.sh.in <- zmq4.NewMsgFrom(wireFrames...)

	// The mis-signed message above is silently dropped by the poll loop
	// (total signature verification, §7); a follow-up well-formed request
	// must still get served, proving the pump did not get stuck on it.
	h.sendShell("kernel_info_request", struct{}{})
	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.sh)) >= 1
	}, time.Second, 5*time.Millisecond)

	replies := h.decodeSent(h.sh)
	require.Len(t, replies, 1, "the mis-signed message must not have produced a reply")
	assert.Equal(t, "kernel_info_reply", replies[0].Header.MsgType)
}

func TestInterruptRequestOnControlSocketRepliesOK(t *testing.T) {
	h := newHarness(t)
	h.sendControl("interrupt_request", wire.InterruptRequest{})

	require.Eventually(t, func() bool {
		return len(h.decodeSent(h.ctl)) >= 1
	}, time.Second, 5*time.Millisecond)

	replies := h.decodeSent(h.ctl)
	require.Len(t, replies, 1)
	assert.Equal(t, "interrupt_reply", replies[0].Header.MsgType)
}
