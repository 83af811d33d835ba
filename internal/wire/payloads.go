package wire

// MIMEBundle holds MIME-type-keyed representations of a value, as used in
// execute_result, display_data and inspect_reply. Every bundle should carry
// at least a "text/plain" entry.
type MIMEBundle = map[string]any

// Status values for the "status" broadcast (§3).
const (
	StatusStarting = "starting"
	StatusBusy     = "busy"
	StatusIdle     = "idle"
)

// Stream names for the "stream" broadcast (§3).
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// IsCompleteReply.Status values (§3).
const (
	IsCompleteStatusComplete   = "complete"
	IsCompleteStatusIncomplete = "incomplete"
	IsCompleteStatusInvalid    = "invalid"
	IsCompleteStatusUnknown    = "unknown"
)

// KernelStatus is the content of a "status" broadcast.
type KernelStatus struct {
	ExecutionState string `json:"execution_state"`
}

// StreamOutput is the content of a "stream" broadcast.
type StreamOutput struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteInput is the content of an "execute_input" broadcast.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// ExecuteResult is the content of an "execute_result" broadcast.
type ExecuteResult struct {
	ExecutionCount int        `json:"execution_count"`
	Data           MIMEBundle `json:"data"`
	Metadata       MIMEBundle `json:"metadata"`
}

// ExecuteError is the content of an "execute_error" broadcast (wire
// msg_type "error").
type ExecuteError struct {
	ENAME     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// InputRequest is the content of an "input_request" broadcast sent over
// Stdin.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply is the content of an "input_reply" message received over
// Stdin.
type InputReply struct {
	Value string `json:"value"`
}

// ExecuteRequest is the content of an "execute_request" message.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of a successful "execute_reply".
type ExecuteReply struct {
	Status          string         `json:"status"`
	ExecutionCount  int            `json:"execution_count"`
	UserExpressions map[string]any `json:"user_expressions,omitempty"`
}

// ExecuteReplyException is the content of a failed "execute_reply"
// (status=="error").
type ExecuteReplyException struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	ENAME          string   `json:"ename"`
	EValue         string   `json:"evalue"`
	Traceback      []string `json:"traceback"`
}

// CompleteRequest is the content of a "complete_request" message.
type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// CompleteReply is the content of a "complete_reply" message.
type CompleteReply struct {
	Status      string     `json:"status"`
	Matches     []string   `json:"matches"`
	CursorStart int        `json:"cursor_start"`
	CursorEnd   int        `json:"cursor_end"`
	Metadata    MIMEBundle `json:"metadata"`
}

// InspectRequest is the content of an "inspect_request" message.
type InspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

// InspectReply is the content of an "inspect_reply" message.
type InspectReply struct {
	Status   string     `json:"status"`
	Found    bool       `json:"found"`
	Data     MIMEBundle `json:"data"`
	Metadata MIMEBundle `json:"metadata"`
}

// IsCompleteRequest is the content of an "is_complete_request" message.
type IsCompleteRequest struct {
	Code string `json:"code"`
}

// IsCompleteReply is the content of an "is_complete_reply" message.
type IsCompleteReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

// HelpLink is a single entry of KernelInfoReply.HelpLinks.
type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// LanguageInfo describes the language a kernel executes, part of
// kernel_info_reply.
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	MIMEType          string `json:"mimetype"`
	FileExtension     string `json:"file_extension"`
	PygmentsLexer     string `json:"pygments_lexer,omitempty"`
	CodeMirrorMode    string `json:"codemirror_mode,omitempty"`
	NBConvertExporter string `json:"nbconvert_exporter,omitempty"`
}

// KernelInfoReply is the content of a "kernel_info_reply" message.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion        string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion  string       `json:"implementation_version"`
	LanguageInfo           LanguageInfo `json:"language_info"`
	Banner                 string       `json:"banner"`
	Debugger               bool         `json:"debugger"`
	HelpLinks              []HelpLink   `json:"help_links"`
}

// ShutdownRequest is the content of a "shutdown_request" message.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownReply is the content of a "shutdown_reply" message.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// InterruptRequest is the content of an "interrupt_request" message (empty).
type InterruptRequest struct{}

// InterruptReply is the content of an "interrupt_reply" message.
type InterruptReply struct {
	Status string `json:"status"`
}

// CommOpen is the content of a "comm_open" message/broadcast.
type CommOpen struct {
	CommID     string         `json:"comm_id"`
	TargetName string         `json:"target_name"`
	Data       map[string]any `json:"data"`
}

// CommMsg is the content of a "comm_msg" message/broadcast.
type CommMsg struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data"`
}

// CommClose is the content of a "comm_close" message/broadcast.
type CommClose struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// CommInfoRequest is the content of a "comm_info_request" message. An empty
// TargetName means "all comms".
type CommInfoRequest struct {
	TargetName string `json:"target_name"`
}

// CommInfoEntry describes a single open comm in a comm_info_reply.
type CommInfoEntry struct {
	TargetName string `json:"target_name"`
}

// CommInfoReply is the content of a "comm_info_reply" message.
type CommInfoReply struct {
	Status string                   `json:"status"`
	Comms  map[string]CommInfoEntry `json:"comms"`
}

// StartLSP is the content of a "start_lsp" message: the kernel is asked to
// ferry the given TCP address to the LSP sidecar.
type StartLSP struct {
	ClientAddress string `json:"client_address"`
}

// StartLSPReply is the content of a "start_lsp_reply" message.
type StartLSPReply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
