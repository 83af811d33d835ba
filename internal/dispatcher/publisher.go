package dispatcher

import (
	"github.com/jupyter-ark/arkgo/internal/handler"
	"github.com/jupyter-ark/arkgo/internal/iopub"
	"github.com/jupyter-ark/arkgo/internal/wire"
)

// requestPublisher adapts the IOPub broadcaster to handler.Publisher,
// attributing every broadcast to one request's header as parent (§4.4).
type requestPublisher struct {
	b      *iopub.Broadcaster
	parent wire.Header
}

var _ handler.Publisher = (*requestPublisher)(nil)

func (p *requestPublisher) Stream(name, text string) {
	p.b.Publish(p.parent, "stream", wire.StreamOutput{Name: name, Text: text})
}

func (p *requestPublisher) ExecuteResult(executionCount int, data, metadata map[string]any) {
	p.b.Publish(p.parent, "execute_result", wire.ExecuteResult{
		ExecutionCount: executionCount, Data: data, Metadata: metadata,
	})
}

func (p *requestPublisher) ExecuteError(ename, evalue string, traceback []string) {
	p.b.Publish(p.parent, "error", wire.ExecuteError{ENAME: ename, EValue: evalue, Traceback: traceback})
}

func (p *requestPublisher) CommMsg(commID string, data map[string]any) {
	p.b.Publish(p.parent, "comm_msg", wire.CommMsg{CommID: commID, Data: data})
}

func (p *requestPublisher) CommOpen(commID, targetName string, data map[string]any) {
	p.b.Publish(p.parent, "comm_open", wire.CommOpen{CommID: commID, TargetName: targetName, Data: data})
}

func (p *requestPublisher) CommClose(commID string, data map[string]any) {
	p.b.Publish(p.parent, "comm_close", wire.CommClose{CommID: commID, Data: data})
}

func (p *requestPublisher) Custom(msgType string, content any) {
	p.b.Publish(p.parent, msgType, content)
}
