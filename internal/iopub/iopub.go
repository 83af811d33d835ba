// Package iopub implements the IOPub broadcaster (§4.4): a single
// goroutine owns the PUB socket; every other goroutine that wants to
// publish sends to a channel instead of touching the socket directly.
package iopub

import (
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// Entry is one item of the multi-producer queue: a typed payload to
// publish, attributed to parent's header (empty Header for the one
// "starting" status that precedes any request).
type Entry struct {
	Parent  wire.Header
	MsgType string
	Content any
}

// QueueCapacity bounds the multi-producer channel; a producer that finds it
// full blocks in Publish until Run frees a slot or the broadcaster is
// closed.
const QueueCapacity = 4096

// Broadcaster owns the IOPub PUB socket and serializes every publish onto
// it, preserving enqueue order (§4.4 "Ordering").
type Broadcaster struct {
	codec  *wire.Codec
	socket *socket.Sync
	queue  chan Entry
	done   chan struct{}
}

// New creates a Broadcaster. Call Run in its own goroutine before
// publishing, and Close when the kernel is shutting down.
func New(codec *wire.Codec, sock *socket.Sync) *Broadcaster {
	return &Broadcaster{
		codec:  codec,
		socket: sock,
		queue:  make(chan Entry, QueueCapacity),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an entry for the broadcaster goroutine to send. It
// never touches the socket itself -- only Run's goroutine does.
func (b *Broadcaster) Publish(parent wire.Header, msgType string, content any) {
	select {
	case b.queue <- Entry{Parent: parent, MsgType: msgType, Content: content}:
	case <-b.done:
		klog.Warningf("iopub: publish of %q dropped, broadcaster stopped", msgType)
	}
}

// PublishStarting emits the one status=starting broadcast that must
// precede the Shell pump accepting its first request (§4.4).
func (b *Broadcaster) PublishStarting() {
	b.Publish(wire.Header{}, "status", wire.KernelStatus{ExecutionState: wire.StatusStarting})
}

// Run drains the queue and writes each entry to the PUB socket, in the
// order they were enqueued. It returns once Close is called and every
// entry enqueued before that has been sent.
func (b *Broadcaster) Run() {
	klog.V(1).Infof("iopub: broadcaster started")
	defer klog.V(1).Infof("iopub: broadcaster finished")
	for {
		select {
		case entry := <-b.queue:
			b.deliver(entry)
		case <-b.done:
			b.drain()
			return
		}
	}
}

// drain flushes whatever was enqueued before done was closed, without
// blocking for anything further.
func (b *Broadcaster) drain() {
	for {
		select {
		case entry := <-b.queue:
			b.deliver(entry)
		default:
			return
		}
	}
}

func (b *Broadcaster) deliver(entry Entry) {
	if err := b.send(entry); err != nil {
		klog.Errorf("iopub: failed to send %q: %+v", entry.MsgType, err)
	}
}

func (b *Broadcaster) send(entry Entry) error {
	header, err := wire.NewHeader(entry.MsgType, entry.Parent.Session, entry.Parent.Username)
	if err != nil {
		return errors.WithMessage(err, "iopub: creating header")
	}
	contentBytes, err := wire.MarshalContent(entry.Content)
	if err != nil {
		return err
	}
	msg := &wire.Message{
		Header:       header,
		ParentHeader: entry.Parent,
		Content:      contentBytes,
	}
	frames, err := b.codec.Encode(msg)
	if err != nil {
		return errors.WithMessage(err, "iopub: encoding")
	}
	wireFrames := make([][]byte, 0, 1+len(frames))
	wireFrames = append(wireFrames, []byte("<IDS|MSG>"))
	wireFrames = append(wireFrames, frames...)
	return b.socket.RunLocked(func(sck socket.ZSocket) error {
		return sck.SendMulti(zmq4.NewMsgFrom(wireFrames...))
	})
}

// Close stops Run once the queue drains. Safe to call once; the queue
// channel itself is never closed, since Publish may still race a concurrent
// Close from another goroutine.
func (b *Broadcaster) Close() {
	close(b.done)
}
