// Package handler defines the contracts the wire-protocol core consumes
// from (and exposes to) the embedded language runtime (§1, §4.3.1). The
// core never evaluates code itself; it only calls these interfaces.
package handler

import "context"

// ExecuteResult is what a ShellHandler returns for a successful
// execute_request; Publisher already received any stream/execute_result/
// execute_error broadcasts during execution.
type ExecuteResult struct {
	UserExpressions map[string]any
}

// ExecuteException is returned (as the error) when execute_request
// evaluation fails.
type ExecuteException struct {
	ENAME     string
	EValue    string
	Traceback []string
}

func (e *ExecuteException) Error() string { return e.ENAME + ": " + e.EValue }

// CompleteResult is what a ShellHandler returns for a complete_request.
type CompleteResult struct {
	Matches     []string
	CursorStart int
	CursorEnd   int
	Metadata    map[string]any
}

// InspectResult is what a ShellHandler returns for an inspect_request.
type InspectResult struct {
	Found    bool
	Data     map[string]any
	Metadata map[string]any
}

// IsCompleteResult is what a ShellHandler returns for an
// is_complete_request.
type IsCompleteResult struct {
	// Status is one of "complete", "incomplete", "invalid", "unknown".
	Status string
	Indent string
}

// KernelInfo is what a ShellHandler returns for a kernel_info_request.
type KernelInfo struct {
	Implementation        string
	ImplementationVersion string
	LanguageName          string
	LanguageVersion       string
	LanguageMIMEType      string
	LanguageFileExtension string
	PygmentsLexer         string
	CodeMirrorMode        string
	NBConvertExporter     string
	Banner                string
	Debugger              bool
	HelpLinks              []HelpLinkInfo
}

// HelpLinkInfo is a single kernel_info_reply help link.
type HelpLinkInfo struct {
	Text string
	URL  string
}

// ExecuteRequest is the input to ShellHandler.HandleExecute.
type ExecuteRequest struct {
	Code            string
	Silent          bool
	StoreHistory    bool
	UserExpressions map[string]any
	AllowStdin      bool
	StopOnError     bool

	// ExecutionCount is the count the dispatcher already assigned and
	// published as execute_input before invoking the handler.
	ExecutionCount int
}

// ShellHandler is implemented by the embedded language runtime to service
// Shell-socket requests (§4.3.1). Publisher lets a handler emit stream
// output, execute_result/execute_error and comm traffic while it runs;
// Stdin lets it request user input when AllowStdin is set.
type ShellHandler interface {
	HandleExecute(ctx context.Context, req ExecuteRequest, pub Publisher, in StdinPrompter) (*ExecuteResult, error)
	HandleComplete(ctx context.Context, code string, cursorPos int) (*CompleteResult, error)
	HandleInspect(ctx context.Context, code string, cursorPos, detailLevel int) (*InspectResult, error)
	HandleIsComplete(ctx context.Context, code string) (*IsCompleteResult, error)
	HandleKernelInfo(ctx context.Context) (*KernelInfo, error)
}

// ControlHandler is implemented by the embedded runtime to service
// Control-socket requests that must never block behind a busy Shell
// worker.
type ControlHandler interface {
	// HandleShutdown is invoked before kernel teardown; restart mirrors
	// the request's "restart" field.
	HandleShutdown(ctx context.Context, restart bool) error

	// HandleInterrupt must be non-blocking: it only signals the runtime
	// out-of-band (e.g. sets a flag the runtime polls).
	HandleInterrupt(ctx context.Context) error
}

// Publisher lets a handler emit IOPub broadcasts attributed to the request
// currently being serviced.
type Publisher interface {
	Stream(name, text string)
	ExecuteResult(executionCount int, data, metadata map[string]any)
	ExecuteError(ename, evalue string, traceback []string)
	CommMsg(commID string, data map[string]any)
	CommOpen(commID, targetName string, data map[string]any)
	CommClose(commID string, data map[string]any)
	Custom(msgType string, content any)
}

// ErrStdinNotAllowed is returned by StdinPrompter.Prompt when the
// originating execute_request had allow_stdin=false.
type ErrStdinNotAllowed struct{}

func (ErrStdinNotAllowed) Error() string { return "handler: stdin prompt not allowed for this request" }

// StdinPrompter lets a handler request input from the front end while
// handling an execute_request (§4.5).
type StdinPrompter interface {
	Prompt(ctx context.Context, prompt string, password bool) (string, error)
}

// CommTargetHandler is implemented once per comm target_name (§4.6); the
// comm multiplexer instantiates/delivers to it for every comm of that
// target.
type CommTargetHandler interface {
	// OnOpen is called when a front-end comm_open for this target arrives;
	// data is the comm_open payload. Comms the backend opens itself
	// (Multiplexer.OpenFromBackend) do not trigger it.
	OnOpen(commID string, data map[string]any, pub Publisher) error
	// OnMessage is called for every comm_msg addressed to commID.
	OnMessage(commID string, data map[string]any, pub Publisher) error
	// OnClose is called once, when a comm_close for commID is handled.
	// Multiplexer.CloseAll closes comms without calling it.
	OnClose(commID string, data map[string]any) error
}

// LspHandler is the optional LSP sidecar contract (§6): the core only
// ferries the TCP address carried by a start_lsp message; it never
// inspects or forwards LSP traffic itself.
type LspHandler interface {
	Start(ctx context.Context, clientAddress string) error
}
