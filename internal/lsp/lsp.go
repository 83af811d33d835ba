// Package lsp is a reference handler.LspHandler: when a start_lsp message
// arrives, it dials the client address the front end provided and runs the
// Language Server Protocol initialize/initialized handshake over it. The
// wire-protocol core never looks inside this connection (§6); it only
// calls Start.
package lsp

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.lsp.dev/jsonrpc2"
	lsp "go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"k8s.io/klog/v2"

	"github.com/jupyter-ark/arkgo/internal/handler"
)

// DialTimeout bounds how long Start waits to connect and complete the
// initialize handshake.
var DialTimeout = 2000 * time.Millisecond

// Sidecar dials the address given by a start_lsp message and keeps the
// resulting connection alive until Close or the peer hangs up. It
// implements handler.LspHandler.
type Sidecar struct {
	workspaceDir string

	mu   sync.Mutex
	conn net.Conn
	json jsonrpc2.Conn

	events chan handler.HostEvent
}

var _ handler.LspHandler = (*Sidecar)(nil)

// New creates a Sidecar that will advertise workspaceDir as the single LSP
// workspace folder during initialize.
func New(workspaceDir string) *Sidecar {
	return &Sidecar{
		workspaceDir: workspaceDir,
		events:       make(chan handler.HostEvent, 16),
	}
}

// Events surfaces window/showMessage and publishDiagnostics notifications
// from the LSP peer as HostEvents. The dispatcher does not read this
// channel; once it holds 16 unread events, further ones are dropped.
func (s *Sidecar) Events() handler.HostEvents { return s.events }

// Start dials clientAddress (tcp://host:port, unix://path, or a bare
// filesystem path treated as a unix socket) and performs the LSP
// initialize/initialized handshake.
func (s *Sidecar) Start(ctx context.Context, clientAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	network, addr := parseAddress(clientAddress)
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, network, addr)
	if err != nil {
		return errors.WithMessagef(err, "lsp: dialing %s client address %q", network, addr)
	}
	s.conn = conn

	stream := jsonrpc2.NewStream(conn)
	s.json = jsonrpc2.NewConn(stream)
	s.json.Go(context.Background(), s.handle)

	go func(current net.Conn) {
		<-s.json.Done()
		klog.V(1).Infof("lsp: connection to %q closed", addr)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == current {
			s.conn = nil
			s.json = nil
		}
	}(conn)

	var capabilities lsp.ServerCapabilities
	_, err = s.json.Call(dialCtx, lsp.MethodInitialize, &lsp.InitializeParams{
		ProcessID: 0,
		WorkspaceFolders: []lsp.WorkspaceFolder{
			{URI: string(uri.File(s.workspaceDir)), Name: s.workspaceDir},
		},
	}, &capabilities)
	if err != nil {
		_ = conn.Close()
		s.conn = nil
		return errors.WithMessagef(err, "lsp: initialize call to %q", addr)
	}

	if err = s.json.Notify(dialCtx, lsp.MethodInitialized, &lsp.InitializedParams{}); err != nil {
		_ = conn.Close()
		s.conn = nil
		return errors.WithMessagef(err, "lsp: initialized notification to %q", addr)
	}
	return nil
}

// Close tears down the connection, if any.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.json = nil
	return err
}

// handle receives notifications/requests initiated by the LSP peer and
// republishes the ones the host cares about as HostEvents.
func (s *Sidecar) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case lsp.MethodWindowShowMessage:
		var params lsp.ShowMessageParams
		if err := decodeParams(req, &params); err != nil {
			return err
		}
		s.emit(handler.HostEvent{Kind: "show_message", Data: map[string]any{"message": params.Message}})
	case lsp.MethodTextDocumentPublishDiagnostics:
		var params lsp.PublishDiagnosticsParams
		if err := decodeParams(req, &params); err != nil {
			return err
		}
		messages := make([]string, 0, len(params.Diagnostics))
		for _, d := range params.Diagnostics {
			messages = append(messages, d.Message)
		}
		s.emit(handler.HostEvent{Kind: "lsp_diagnostics", Data: map[string]any{"messages": messages}})
	default:
		klog.V(2).Infof("lsp: unhandled notification %q", req.Method())
	}
	return nil
}

func (s *Sidecar) emit(ev handler.HostEvent) {
	select {
	case s.events <- ev:
	default:
		klog.Warningf("lsp: event channel full, dropping %q", ev.Kind)
	}
}

func decodeParams(req jsonrpc2.Request, v any) error {
	if err := json.Unmarshal(req.Params(), v); err != nil {
		return errors.WithMessage(err, "lsp: decoding notification params")
	}
	return nil
}

func parseAddress(clientAddress string) (network, addr string) {
	switch {
	case strings.HasPrefix(clientAddress, "tcp://"):
		return "tcp", strings.TrimPrefix(clientAddress, "tcp://")
	case strings.HasPrefix(clientAddress, "unix://"):
		return "unix", strings.TrimPrefix(clientAddress, "unix://")
	case strings.HasPrefix(clientAddress, "/"):
		return "unix", clientAddress
	default:
		return "tcp", clientAddress
	}
}
