// Package stdin implements the input_request/input_reply rendezvous over
// the Stdin ROUTER socket (§4.5): a handler mid-execute_request asks for a
// line of input, the front end answers asynchronously on the same socket,
// and this package correlates the reply back to the right originator.
package stdin

import (
	"bytes"
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"

	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// Rendezvous owns the Stdin socket and matches every input_request it sends
// against the one input_reply that should follow, keyed by the ROUTER
// routing identities of the originating request. Only one prompt may be
// outstanding per originator at a time (§4.5 "one outstanding request per
// originator").
type Rendezvous struct {
	codec *wire.Codec
	sock  *socket.Sync

	mu      sync.Mutex
	pending map[string]chan string
}

// New creates a Rendezvous bound to the Stdin socket.
func New(codec *wire.Codec, sock *socket.Sync) *Rendezvous {
	return &Rendezvous{codec: codec, sock: sock, pending: map[string]chan string{}}
}

// Deliver hands an input_reply received on the Stdin socket to whichever
// Prompt call is waiting for it. An input_reply with no matching pending
// prompt (stale, duplicate, or malformed front end) is reported but not
// fatal to the kernel.
func (r *Rendezvous) Deliver(msg *wire.Message) error {
	key := identityKey(msg.Identities)
	r.mu.Lock()
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return errors.New("stdin: input_reply with no outstanding prompt for its originator")
	}

	var reply wire.InputReply
	if err := msg.ContentAs(&reply); err != nil {
		return errors.WithMessage(err, "stdin: decoding input_reply")
	}
	ch <- reply.Value
	return nil
}

// Bind returns a handler.StdinPrompter scoped to one originator: the
// identities and parent header of the execute_request currently being
// serviced. allowStdin mirrors the request's allow_stdin field.
func (r *Rendezvous) Bind(identities [][]byte, parent wire.Header, allowStdin bool) handler.StdinPrompter {
	return &prompter{r: r, identities: identities, parent: parent, allowStdin: allowStdin}
}

type prompter struct {
	r          *Rendezvous
	identities [][]byte
	parent     wire.Header
	allowStdin bool
}

func (p *prompter) Prompt(ctx context.Context, prompt string, password bool) (string, error) {
	if !p.allowStdin {
		return "", handler.ErrStdinNotAllowed{}
	}
	return p.r.prompt(ctx, p.identities, p.parent, prompt, password)
}

func (r *Rendezvous) prompt(ctx context.Context, identities [][]byte, parent wire.Header, prompt string, password bool) (string, error) {
	key := identityKey(identities)

	r.mu.Lock()
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		return "", errors.New("stdin: a prompt is already outstanding for this request")
	}
	ch := make(chan string, 1)
	r.pending[key] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}

	if err := r.send(identities, parent, prompt, password); err != nil {
		cleanup()
		return "", err
	}

	select {
	case value := <-ch:
		return value, nil
	case <-ctx.Done():
		cleanup()
		return "", ctx.Err()
	}
}

func (r *Rendezvous) send(identities [][]byte, parent wire.Header, prompt string, password bool) error {
	header, err := wire.NewHeader("input_request", parent.Session, parent.Username)
	if err != nil {
		return errors.WithMessage(err, "stdin: creating input_request header")
	}
	msg := &wire.Message{
		Identities:   identities,
		Header:       header,
		ParentHeader: parent,
	}
	content, err := wire.MarshalContent(wire.InputRequest{Prompt: prompt, Password: password})
	if err != nil {
		return errors.WithMessage(err, "stdin: marshaling input_request")
	}
	msg.Content = content

	frames, err := r.codec.Encode(msg)
	if err != nil {
		return errors.WithMessage(err, "stdin: encoding input_request")
	}
	wireFrames := make([][]byte, 0, len(identities)+1+len(frames))
	wireFrames = append(wireFrames, identities...)
	wireFrames = append(wireFrames, []byte("<IDS|MSG>"))
	wireFrames = append(wireFrames, frames...)

	return r.sock.RunLocked(func(sck socket.ZSocket) error {
		return sck.SendMulti(zmq4.NewMsgFrom(wireFrames...))
	})
}

func identityKey(identities [][]byte) string {
	return string(bytes.Join(identities, []byte{0}))
}
