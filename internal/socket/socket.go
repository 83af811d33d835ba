// Package socket owns the five Jupyter zmq sockets (§4.2): one Sync
// wrapper per socket role, binding, and the heartbeat echo loop. All five
// roles share the same Sync type, which does not restrict a role to its
// send/recv pattern. It does
// not decode messages -- that is internal/wire's job -- it only moves raw
// zmq frames.
package socket

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ZSocket is the slice of zmq4.Socket that this package and its callers
// actually use. Every real zmq4 socket type (Router, Pub, Rep) satisfies it
// structurally; keeping it narrow lets tests substitute a hand-written fake
// instead of implementing zmq4.Socket's full method set.
type ZSocket interface {
	Listen(endpoint string) error
	Send(msg zmq4.Msg) error
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Sync wraps a zmq socket with a lock serializing writers. Multiple
// goroutines may need to send on Shell/Control/Stdin (e.g. a reply racing a
// prompt); IOPub's lock is only ever taken by its own broadcaster
// goroutine (§4.4).
type Sync struct {
	Socket ZSocket
	mu     sync.Mutex
}

// RunLocked runs fn with the socket's lock held.
func (s *Sync) RunLocked(fn func(ZSocket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.Socket)
}

// Group holds the five bound sockets plus the signing key extracted from
// the connection file.
type Group struct {
	Shell   Sync
	Control Sync
	Stdin   Sync
	IOPub   Sync
	HB      Sync
	Key     []byte
}

// Bind creates and binds all five sockets described by info.
func Bind(info *ConnectionInfo) (*Group, error) {
	ctx := context.Background()
	g := &Group{
		Key:     []byte(info.Key),
		Shell:   Sync{Socket: zmq4.NewRouter(ctx)},
		Control: Sync{Socket: zmq4.NewRouter(ctx)},
		Stdin:   Sync{Socket: zmq4.NewRouter(ctx)},
		IOPub:   Sync{Socket: zmq4.NewPub(ctx)},
		HB:      Sync{Socket: zmq4.NewRep(ctx)},
	}

	addr := func(port int) string {
		switch info.Transport {
		case "ipc":
			return fmt.Sprintf("ipc://%s-%d", info.IP, port)
		default:
			return fmt.Sprintf("tcp://%s:%d", info.IP, port)
		}
	}

	sockets := []struct {
		name string
		s    *Sync
		port int
	}{
		{"shell", &g.Shell, info.ShellPort},
		{"control", &g.Control, info.ControlPort},
		{"stdin", &g.Stdin, info.StdinPort},
		{"iopub", &g.IOPub, info.IOPubPort},
		{"heartbeat", &g.HB, info.HBPort},
	}
	for _, sock := range sockets {
		if err := sock.s.Socket.Listen(addr(sock.port)); err != nil {
			return g, errors.WithMessagef(err, "failed to listen on %s socket", sock.name)
		}
	}
	return g, nil
}

// Close closes all five sockets, logging (but not failing on) individual
// errors.
func (g *Group) Close() {
	for name, s := range map[string]*Sync{
		"shell": &g.Shell, "control": &g.Control, "stdin": &g.Stdin,
		"iopub": &g.IOPub, "heartbeat": &g.HB,
	} {
		if err := s.Socket.Close(); err != nil {
			klog.Errorf("failed to close %s socket: %v", name, err)
		}
	}
}

// RunHeartbeat echoes every frame received on the heartbeat REP socket
// until stop is closed. It runs on the caller's goroutine; callers spawn
// their own goroutine for it.
func RunHeartbeat(hb *Sync, stop <-chan struct{}) {
	klog.V(1).Infof("heartbeat: polling started")
	defer klog.V(1).Infof("heartbeat: polling finished")
	for {
		msg, err := hb.Socket.Recv()
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			klog.Errorf("heartbeat: recv failed: %v", err)
			return
		}
		klog.V(2).Infof("heartbeat: ping received")
		err = hb.RunLocked(func(sck ZSocket) error {
			return sck.Send(msg)
		})
		if err != nil {
			klog.Errorf("heartbeat: failed to send pong: %v", err)
			return
		}
	}
}
