package dispatcher

import (
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"

	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// sendReply signs and sends content as msgType, replying to req on sock,
// preserving req's ROUTER routing identities.
func sendReply(codec *wire.Codec, sock *socket.Sync, req *wire.Message, msgType string, content any) error {
	reply, err := req.Reply(msgType, content)
	if err != nil {
		return errors.WithMessagef(err, "dispatcher: building %q reply", msgType)
	}
	frames, err := codec.Encode(reply)
	if err != nil {
		return errors.WithMessagef(err, "dispatcher: encoding %q reply", msgType)
	}
	wireFrames := make([][]byte, 0, len(req.Identities)+1+len(frames))
	wireFrames = append(wireFrames, req.Identities...)
	wireFrames = append(wireFrames, []byte("<IDS|MSG>"))
	wireFrames = append(wireFrames, frames...)
	return sock.RunLocked(func(sck socket.ZSocket) error {
		return sck.SendMulti(zmq4.NewMsgFrom(wireFrames...))
	})
}
