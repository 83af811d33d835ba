package handler

// HostEvent is a request from the embedded runtime to the host process,
// originating from deep inside an evaluation (e.g. R's `browseURL`,
// `View`, or a message box). These are modeled as values on a typed
// channel rather than letting runtime callbacks perform network I/O
// directly.
type HostEvent struct {
	Kind string // e.g. "show_message", "browse_url", "editor"
	Data map[string]any
}

// HostEvents is the channel a ShellHandler/ControlHandler implementation
// (or the LSP sidecar) can use to surface HostEvent values. The dispatcher
// does not read this channel, so these events are not forwarded to IOPub.
type HostEvents <-chan HostEvent
