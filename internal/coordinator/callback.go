package coordinator

import "github.com/rzbill/relay/internal/message"

// Callback is the connection-facing capability. The coordinator invokes it
// synchronously on the ingestion goroutine so one connection's events keep
// their order.
type Callback interface {
	OnChunk(c message.StreamChunk)
	OnComplete(m message.Message)
	OnError(sessionID, messageID, errMsg string)
}

// CallbackFuncs adapts plain funcs to Callback. Nil funcs are no-ops.
type CallbackFuncs struct {
	Chunk    func(c message.StreamChunk)
	Complete func(m message.Message)
	Error    func(sessionID, messageID, errMsg string)
}

func (f CallbackFuncs) OnChunk(c message.StreamChunk) {
	if f.Chunk != nil {
		f.Chunk(c)
	}
}

func (f CallbackFuncs) OnComplete(m message.Message) {
	if f.Complete != nil {
		f.Complete(m)
	}
}

func (f CallbackFuncs) OnError(sessionID, messageID, errMsg string) {
	if f.Error != nil {
		f.Error(sessionID, messageID, errMsg)
	}
}
