package iopub

import (
	"sync"
	"testing"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// fakeSocket is a minimal socket.ZSocket that records every multi-frame
// send it receives, in order, instead of touching the network.
type fakeSocket struct {
	mu   sync.Mutex
	sent []zmq4.Msg
}

func (f *fakeSocket) Listen(string) error { return nil }
func (f *fakeSocket) Send(zmq4.Msg) error { return nil }
func (f *fakeSocket) SendMulti(msg zmq4.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeSocket) Recv() (zmq4.Msg, error) { return zmq4.Msg{}, nil }
func (f *fakeSocket) Close() error            { return nil }

func (f *fakeSocket) msgTypes(t *testing.T, codec *wire.Codec) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		msg, err := codec.Decode(m.Frames)
		require.NoError(t, err)
		out = append(out, msg.Header.MsgType)
	}
	return out
}

func TestBroadcasterPreservesEnqueueOrder(t *testing.T) {
	codec := wire.NewCodec(nil)
	fake := &fakeSocket{}
	b := New(codec, &socket.Sync{Socket: fake})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run()
	}()

	parent := wire.Header{Session: "sess-1", Username: "tester"}
	b.PublishStarting()
	b.Publish(parent, "status", wire.KernelStatus{ExecutionState: wire.StatusBusy})
	b.Publish(parent, "execute_input", wire.ExecuteInput{Code: "1+1", ExecutionCount: 1})
	b.Publish(parent, "execute_result", wire.ExecuteResult{ExecutionCount: 1})
	b.Publish(parent, "status", wire.KernelStatus{ExecutionState: wire.StatusIdle})
	b.Close()
	wg.Wait()

	assert.Equal(t, []string{"status", "status", "execute_input", "execute_result", "status"}, fake.msgTypes(t, codec))
}

func TestPublishAfterCloseDoesNotBlock(t *testing.T) {
	codec := wire.NewCodec(nil)
	fake := &fakeSocket{}
	b := New(codec, &socket.Sync{Socket: fake})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run()
	}()
	b.Close()
	wg.Wait()

	done := make(chan struct{})
	go func() {
		b.Publish(wire.Header{}, "status", wire.KernelStatus{ExecutionState: wire.StatusIdle})
		close(done)
	}()
	<-done
}
