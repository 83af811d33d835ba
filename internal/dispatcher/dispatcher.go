// Package dispatcher routes decoded wire messages to the handlers that
// implement the embedded runtime's contracts (§4.3, §4.5, §4.6), as
// opposed to encoding/socket plumbing, which is handled by internal/wire
// and internal/kernel.
package dispatcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/internal/comm"
	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/interplock"
	"github.com/jupyter-ark/arkgo/internal/iopub"
	"github.com/jupyter-ark/arkgo/internal/kernel"
	"github.com/jupyter-ark/arkgo/internal/socket"
	"github.com/jupyter-ark/arkgo/internal/stdin"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// BusyMessageTypes lists the Shell message types that bracket their
// handling with status=busy/idle and are serialized through a single
// worker, one at a time (§4.3, §4.4 "busy/idle bracketing").
var BusyMessageTypes = []string{
	"execute_request", "inspect_request", "complete_request",
	"is_complete_request", "kernel_info_request",
}

// ExecQueueCapacity bounds the pending-Shell-request queue; a request that
// arrives while the queue is full is dropped with a logged error, and the
// front end receives no reply for it.
const ExecQueueCapacity = 10000

// Dispatcher wires decoded messages to handler.ShellHandler,
// handler.ControlHandler, the comm multiplexer and the LSP sidecar.
type Dispatcher struct {
	k    *kernel.Kernel
	pub  *iopub.Broadcaster
	in   *stdin.Rendezvous
	mux  *comm.Multiplexer
	lock *interplock.Lock

	shellH   handler.ShellHandler
	controlH handler.ControlHandler
	lspH     handler.LspHandler

	busyQueue chan *wire.Message
	queueOnce sync.Once
}

// New creates a Dispatcher. lspH may be nil if the embedded runtime has no
// LSP sidecar.
func New(k *kernel.Kernel, pub *iopub.Broadcaster, in *stdin.Rendezvous, mux *comm.Multiplexer, lock *interplock.Lock, shellH handler.ShellHandler, controlH handler.ControlHandler, lspH handler.LspHandler) *Dispatcher {
	return &Dispatcher{
		k: k, pub: pub, in: in, mux: mux, lock: lock,
		shellH: shellH, controlH: controlH, lspH: lspH,
		busyQueue: make(chan *wire.Message, ExecQueueCapacity),
	}
}

// Run services Shell, Control and Stdin until the kernel stops. It blocks
// until every pump has exited.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for msg := range d.k.Stdin() {
			if err := d.in.Deliver(msg); err != nil {
				klog.Warningf("dispatcher: stdin: %v", err)
			}
		}
	}()

	go func() {
		defer wg.Done()
		// Control requests (notably interrupt_request) must never queue
		// behind a busy Shell worker, so each gets its own goroutine.
		for msg := range d.k.Control() {
			go d.handleControl(ctx, msg)
		}
	}()

	go func() {
		defer wg.Done()
		for msg := range d.k.Shell() {
			d.handleShell(ctx, msg)
		}
		close(d.busyQueue)
	}()

	wg.Wait()
}

func (d *Dispatcher) handleShell(ctx context.Context, msg *wire.Message) {
	msgType := msg.Header.MsgType
	klog.V(2).Infof("dispatcher: shell %q", msgType)

	if slices.Contains(BusyMessageTypes, msgType) {
		d.queueOnce.Do(func() {
			go d.runBusyQueue(ctx)
		})
		select {
		case d.busyQueue <- msg:
		default:
			klog.Errorf("dispatcher: busy queue full (%d), dropping %q", ExecQueueCapacity, msgType)
		}
		return
	}

	switch msgType {
	case "comm_open", "comm_msg", "comm_close", "comm_info_request":
		d.handleComm(msg)
	case "shutdown_request":
		d.handleShutdown(ctx, msg, d.k.ShellSocket())
	case "start_lsp":
		d.handleStartLSP(ctx, msg)
	default:
		klog.Infof("dispatcher: unhandled shell message %q", msgType)
	}
}

func (d *Dispatcher) handleControl(ctx context.Context, msg *wire.Message) {
	msgType := msg.Header.MsgType
	klog.V(2).Infof("dispatcher: control %q", msgType)

	d.pub.Publish(msg.Header, "status", wire.KernelStatus{ExecutionState: wire.StatusBusy})
	defer d.pub.Publish(msg.Header, "status", wire.KernelStatus{ExecutionState: wire.StatusIdle})

	switch msgType {
	case "interrupt_request":
		d.handleInterrupt(ctx, msg)
	case "shutdown_request":
		d.handleShutdown(ctx, msg, d.k.ControlSocket())
	default:
		klog.Infof("dispatcher: unhandled control message %q", msgType)
	}
}

// runBusyQueue serializes every busy-bracketed Shell request: at most one
// runs at a time, in arrival order (§4.3 "serialized Shell execution").
func (d *Dispatcher) runBusyQueue(ctx context.Context) {
	for msg := range d.busyQueue {
		d.handleBusy(ctx, msg)
	}
}

func (d *Dispatcher) handleBusy(ctx context.Context, msg *wire.Message) {
	d.pub.Publish(msg.Header, "status", wire.KernelStatus{ExecutionState: wire.StatusBusy})
	defer d.pub.Publish(msg.Header, "status", wire.KernelStatus{ExecutionState: wire.StatusIdle})

	var err error
	switch msg.Header.MsgType {
	case "kernel_info_request":
		err = d.handleKernelInfo(msg)
	case "execute_request":
		err = d.handleExecute(ctx, msg)
	case "complete_request":
		err = d.handleComplete(ctx, msg)
	case "inspect_request":
		err = d.handleInspect(ctx, msg)
	case "is_complete_request":
		err = d.handleIsComplete(ctx, msg)
	}
	if err != nil {
		klog.Errorf("dispatcher: handling %q: %+v", msg.Header.MsgType, err)
	}
}

func (d *Dispatcher) handleKernelInfo(msg *wire.Message) error {
	info, err := d.shellH.HandleKernelInfo(context.Background())
	if err != nil {
		return errors.WithMessage(err, "kernel_info_request")
	}
	helpLinks := make([]wire.HelpLink, len(info.HelpLinks))
	for i, l := range info.HelpLinks {
		helpLinks[i] = wire.HelpLink{Text: l.Text, URL: l.URL}
	}
	reply := wire.KernelInfoReply{
		Status:                "ok",
		ProtocolVersion:       wire.ProtocolVersion,
		Implementation:        info.Implementation,
		ImplementationVersion: info.ImplementationVersion,
		LanguageInfo: wire.LanguageInfo{
			Name:              info.LanguageName,
			Version:           info.LanguageVersion,
			MIMEType:          info.LanguageMIMEType,
			FileExtension:     info.LanguageFileExtension,
			PygmentsLexer:     info.PygmentsLexer,
			CodeMirrorMode:    info.CodeMirrorMode,
			NBConvertExporter: info.NBConvertExporter,
		},
		Banner:    info.Banner,
		Debugger:  info.Debugger,
		HelpLinks: helpLinks,
	}
	return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "kernel_info_reply", reply)
}

func (d *Dispatcher) handleExecute(ctx context.Context, msg *wire.Message) error {
	var req wire.ExecuteRequest
	if err := msg.ContentAs(&req); err != nil {
		return errors.WithMessage(err, "execute_request")
	}

	count := d.k.Session().NextExecutionCount()
	if !req.Silent {
		d.pub.Publish(msg.Header, "execute_input", wire.ExecuteInput{Code: req.Code, ExecutionCount: count})
	}

	d.lock.SetInterrupted(false)
	pub := &requestPublisher{b: d.pub, parent: msg.Header}
	prompter := d.in.Bind(msg.Identities, msg.Header, req.AllowStdin)

	token := d.lock.Acquire()
	result, execErr := d.shellH.HandleExecute(ctx, handler.ExecuteRequest{
		Code: req.Code, Silent: req.Silent, StoreHistory: req.StoreHistory,
		UserExpressions: req.UserExpressions, AllowStdin: req.AllowStdin,
		StopOnError: req.StopOnError, ExecutionCount: count,
	}, pub, prompter)
	token.Release()

	if execErr == nil {
		userExpr := map[string]any{}
		if result != nil {
			userExpr = result.UserExpressions
		}
		return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "execute_reply", wire.ExecuteReply{
			Status: "ok", ExecutionCount: count, UserExpressions: userExpr,
		})
	}

	exc, ok := execErr.(*handler.ExecuteException)
	if !ok {
		exc = &handler.ExecuteException{ENAME: "Error", EValue: execErr.Error()}
	}
	d.pub.Publish(msg.Header, "error", wire.ExecuteError{ENAME: exc.ENAME, EValue: exc.EValue, Traceback: exc.Traceback})
	return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "execute_reply", wire.ExecuteReplyException{
		Status: "error", ExecutionCount: count,
		ENAME: exc.ENAME, EValue: exc.EValue, Traceback: exc.Traceback,
	})
}

func (d *Dispatcher) handleComplete(ctx context.Context, msg *wire.Message) error {
	var req wire.CompleteRequest
	if err := msg.ContentAs(&req); err != nil {
		return errors.WithMessage(err, "complete_request")
	}
	token := d.lock.Acquire()
	result, err := d.shellH.HandleComplete(ctx, req.Code, req.CursorPos)
	token.Release()
	if err != nil {
		return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "complete_reply", wire.CompleteReply{Status: "error"})
	}
	return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "complete_reply", wire.CompleteReply{
		Status: "ok", Matches: result.Matches, CursorStart: result.CursorStart,
		CursorEnd: result.CursorEnd, Metadata: result.Metadata,
	})
}

func (d *Dispatcher) handleInspect(ctx context.Context, msg *wire.Message) error {
	var req wire.InspectRequest
	if err := msg.ContentAs(&req); err != nil {
		return errors.WithMessage(err, "inspect_request")
	}
	token := d.lock.Acquire()
	result, err := d.shellH.HandleInspect(ctx, req.Code, req.CursorPos, req.DetailLevel)
	token.Release()
	if err != nil {
		return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "inspect_reply", wire.InspectReply{Status: "error"})
	}
	return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "inspect_reply", wire.InspectReply{
		Status: "ok", Found: result.Found, Data: result.Data, Metadata: result.Metadata,
	})
}

func (d *Dispatcher) handleIsComplete(ctx context.Context, msg *wire.Message) error {
	var req wire.IsCompleteRequest
	if err := msg.ContentAs(&req); err != nil {
		return errors.WithMessage(err, "is_complete_request")
	}
	token := d.lock.Acquire()
	result, err := d.shellH.HandleIsComplete(ctx, req.Code)
	token.Release()
	if err != nil {
		return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "is_complete_reply", wire.IsCompleteReply{Status: wire.IsCompleteStatusUnknown})
	}
	return sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "is_complete_reply", wire.IsCompleteReply{
		Status: result.Status, Indent: result.Indent,
	})
}

func (d *Dispatcher) handleComm(msg *wire.Message) {
	pub := &requestPublisher{b: d.pub, parent: msg.Header}
	var err error
	switch msg.Header.MsgType {
	case "comm_open":
		var content wire.CommOpen
		if err = msg.ContentAs(&content); err == nil {
			err = d.mux.HandleOpen(content, pub)
		}
	case "comm_msg":
		var content wire.CommMsg
		if err = msg.ContentAs(&content); err == nil {
			err = d.mux.HandleMsg(content, pub)
		}
	case "comm_close":
		var content wire.CommClose
		if err = msg.ContentAs(&content); err == nil {
			err = d.mux.HandleClose(content)
		}
	case "comm_info_request":
		var content wire.CommInfoRequest
		if err = msg.ContentAs(&content); err == nil {
			err = sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "comm_info_reply", d.mux.Info(content.TargetName))
		}
	}
	if err != nil {
		klog.Errorf("dispatcher: %q: %+v", msg.Header.MsgType, err)
	}
}

func (d *Dispatcher) handleInterrupt(ctx context.Context, msg *wire.Message) {
	d.lock.SetInterrupted(true)
	err := d.controlH.HandleInterrupt(ctx)
	if err != nil {
		klog.Errorf("dispatcher: interrupt_request: %+v", err)
	}
	if err = sendReply(d.k.Codec(), d.k.ControlSocket(), msg, "interrupt_reply", wire.InterruptReply{Status: "ok"}); err != nil {
		klog.Errorf("dispatcher: replying interrupt_reply: %+v", err)
	}
}

func (d *Dispatcher) handleShutdown(ctx context.Context, msg *wire.Message, sock *socket.Sync) {
	var req wire.ShutdownRequest
	_ = msg.ContentAs(&req)

	klog.Infof("dispatcher: shutting down (restart=%v)", req.Restart)
	pub := &requestPublisher{b: d.pub, parent: msg.Header}
	d.mux.CloseAll(pub)

	if err := d.controlH.HandleShutdown(ctx, req.Restart); err != nil {
		klog.Errorf("dispatcher: HandleShutdown: %+v", err)
	}

	if err := sendReply(d.k.Codec(), sock, msg, "shutdown_reply", wire.ShutdownReply{Status: "ok", Restart: req.Restart}); err != nil {
		klog.Errorf("dispatcher: replying shutdown_reply: %+v", err)
	}
	d.k.Stop()
}

func (d *Dispatcher) handleStartLSP(ctx context.Context, msg *wire.Message) {
	var req wire.StartLSP
	if err := msg.ContentAs(&req); err != nil {
		klog.Errorf("dispatcher: start_lsp: %+v", err)
		return
	}
	reply := wire.StartLSPReply{Status: "ok"}
	if d.lspH == nil {
		reply.Status = "error"
		reply.Message = "no LSP sidecar configured"
	} else if err := d.lspH.Start(ctx, req.ClientAddress); err != nil {
		reply.Status = "error"
		reply.Message = err.Error()
	}
	if err := sendReply(d.k.Codec(), d.k.ShellSocket(), msg, "start_lsp_reply", reply); err != nil {
		klog.Errorf("dispatcher: replying start_lsp_reply: %+v", err)
	}
}
