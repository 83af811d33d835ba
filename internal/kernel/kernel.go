// Package kernel owns the lifecycle of one running kernel process: binding
// the five Jupyter sockets, decoding/encoding wire messages, the
// execution-count session, and OS signal handling. It is deliberately thin
// -- message routing lives in internal/dispatcher, the wire codec in
// internal/wire, and socket plumbing in internal/socket.
//
// Reference documentation:
// https://jupyter-client.readthedocs.io/en/latest/messaging.html
package kernel

import (
	"os"
	"os/signal"
	"regexp"
	"sync"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/internal/session"
	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// KernelIDEnv is the environment variable the kernel process exports its
// own id under, so the embedded runtime (or any subprocess it spawns) can
// namespace temp files/logs per kernel instance without re-parsing the
// connection file path itself.
const KernelIDEnv = "ARKGO_KERNEL_ID"

// Kernel binds the five Jupyter sockets described by a connection file and
// exposes decoded Shell/Control/Stdin messages as channels. It does not
// interpret message content; that is internal/dispatcher's job.
type Kernel struct {
	stop chan struct{}

	sockets *socket.Group
	codec   *wire.Codec
	session *session.Session

	shell, control, stdin chan *wire.Message

	pollingWait sync.WaitGroup
	signalsChan chan os.Signal

	// KernelID is the identifier Jupyter embeds in the connection file
	// name (kernel-<id>.json). New logs it and exports it as KernelIDEnv.
	KernelID string
}

var kernelIDFromConnFile = regexp.MustCompile(`^.*kernel-([0-9a-f-]+)\.json$`)

// New binds all five sockets described by connectionFile and starts the
// polling goroutines for Shell, Control and Stdin, plus the heartbeat echo
// loop. Messages become visible on Shell/Control/Stdin once decoded.
func New(connectionFile string) (*Kernel, error) {
	info, err := socket.LoadConnectionFile(connectionFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load connection file %s", connectionFile)
	}

	sockets, err := socket.Bind(info)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to bind sockets described in %s", connectionFile)
	}

	sess, err := session.New("kernel", sockets.Key)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create session")
	}

	k := NewFromGroup(sockets, wire.NewCodec(sockets.Key), sess)
	if m := kernelIDFromConnFile.FindStringSubmatch(connectionFile); len(m) == 2 {
		k.KernelID = m[1]
	} else {
		klog.Warningf("could not parse kernel id out of connection file path %q", connectionFile)
	}
	if k.KernelID != "" {
		// Setting an env var we just derived ourselves cannot fail in a
		// correctly configured process; must.M turns any failure into an
		// immediate panic instead of a silently missing KernelIDEnv.
		must.M(os.Setenv(KernelIDEnv, k.KernelID))
	}
	return k, nil
}

// NewFromGroup builds a Kernel around an already-bound socket.Group,
// starting the heartbeat and the three polling goroutines. It skips
// connection-file loading and binding, so tests can drive a Kernel with
// fake sockets instead of real zmq4 ones.
func NewFromGroup(sockets *socket.Group, codec *wire.Codec, sess *session.Session) *Kernel {
	k := &Kernel{
		stop:    make(chan struct{}),
		sockets: sockets,
		codec:   codec,
		session: sess,
		shell:   make(chan *wire.Message, 1),
		control: make(chan *wire.Message, 1),
		stdin:   make(chan *wire.Message, 1),
	}
	go socket.RunHeartbeat(&sockets.HB, k.stop)
	k.poll(k.shell, &sockets.Shell, "shell")
	k.poll(k.control, &sockets.Control, "control")
	k.poll(k.stdin, &sockets.Stdin, "stdin")
	return k
}

// Shell returns the channel of decoded Shell-socket messages. The channel
// is closed once the kernel stops and its backlog has drained.
func (k *Kernel) Shell() <-chan *wire.Message { return k.shell }

// Control returns the channel of decoded Control-socket messages.
func (k *Kernel) Control() <-chan *wire.Message { return k.control }

// Stdin returns the channel of decoded Stdin-socket messages (input_reply
// and any other client-originated Stdin traffic).
func (k *Kernel) Stdin() <-chan *wire.Message { return k.stdin }

// Codec returns the wire codec bound to this kernel's signing key.
func (k *Kernel) Codec() *wire.Codec { return k.codec }

// Session returns the kernel's session, including its execution counter.
func (k *Kernel) Session() *session.Session { return k.session }

// ShellSocket, ControlSocket, StdinSocket and IOPubSocket expose the
// underlying synchronized sockets for reply/broadcast paths.
func (k *Kernel) ShellSocket() *socket.Sync   { return &k.sockets.Shell }
func (k *Kernel) ControlSocket() *socket.Sync { return &k.sockets.Control }
func (k *Kernel) StdinSocket() *socket.Sync   { return &k.sockets.Stdin }
func (k *Kernel) IOPubSocket() *socket.Sync   { return &k.sockets.IOPub }

// IsStopped reports whether Stop has been called.
func (k *Kernel) IsStopped() bool {
	select {
	case <-k.stop:
		return true
	default:
		return false
	}
}

// StoppedChan returns a channel closed when the kernel stops.
func (k *Kernel) StoppedChan() <-chan struct{} { return k.stop }

// Stop closes every socket and signals all polling goroutines to exit.
// Safe to call more than once.
func (k *Kernel) Stop() {
	if k.IsStopped() {
		return
	}
	klog.V(1).Infof("kernel: stopping")
	close(k.stop)
	k.sockets.Close()
}

// ExitWait blocks until every polling goroutine started by New has
// returned, i.e. until the sockets are fully drained after Stop.
func (k *Kernel) ExitWait() {
	k.pollingWait.Wait()
}

// HandleInterrupt installs a signal handler: os.Interrupt (Jupyter's way of
// asking to interrupt the running cell) invokes onInterrupt; any other
// captured signal stops the kernel.
func (k *Kernel) HandleInterrupt(onInterrupt func()) {
	if k.signalsChan != nil {
		return
	}
	k.signalsChan = make(chan os.Signal, 1)
	signal.Notify(k.signalsChan, CaptureSignals...)
	go func() {
		defer func() {
			signal.Reset(os.Interrupt)
			k.signalsChan = nil
		}()
		for {
			select {
			case sig := <-k.signalsChan:
				klog.Infof("kernel: signal %s received", sig)
				if sig == os.Interrupt {
					onInterrupt()
					continue
				}
				klog.Errorf("kernel: signal %s triggers shutdown", sig)
				k.Stop()
			case <-k.stop:
				return
			}
		}
	}()
}

// poll reads raw zmq frames off sock, decodes them with the kernel's
// codec, and forwards every successfully decoded message onto ch. A decode
// error is logged and does not stop the pump; a malformed or badly-signed
// message is simply not delivered (§7 "total signature verification").
func (k *Kernel) poll(ch chan *wire.Message, sock *socket.Sync, name string) {
	k.pollingWait.Add(1)
	go func() {
		defer func() {
			klog.V(1).Infof("kernel: %s polling finished", name)
			k.pollingWait.Done()
			close(ch)
		}()
		klog.V(1).Infof("kernel: %s polling started", name)
		for {
			zmqMsg, err := sock.Socket.Recv()
			if k.IsStopped() {
				return
			}
			if err != nil {
				klog.Errorf("kernel: %s recv failed: %v", name, err)
				return
			}
			msg, err := k.codec.Decode(zmqMsg.Frames)
			if err != nil {
				klog.Warningf("kernel: %s dropped malformed message: %v", name, err)
				continue
			}
			select {
			case ch <- msg:
			case <-k.stop:
				return
			}
		}
	}()
}
