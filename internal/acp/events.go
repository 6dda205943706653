// Package acp implements the ACP turn-dispatch and delivery pipeline: the
// event projector that normalizes raw backend protocol records, the per-turn
// delivery coordinator that reconciles deliveries against the chat platform
// message model, and the dispatch controller that drives one full turn.
package acp

// EventType is the normalized kind of a runtime event. Exactly one type per
// event; the tag (when present) identifies the originating protocol update
// kind and is distinct from the type.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventStatus    EventType = "status"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Stream distinguishes assistant output from thought-channel text.
type Stream string

const (
	StreamOutput  Stream = "output"
	StreamThought Stream = "thought"
)

// Event is one normalized unit from the backend event stream.
//
// Field population depends on Type:
//
//	text_delta: Text, Stream, Tag?
//	tool_call:  Text, Tag, Title, ToolCallID?, ToolStatus?
//	status:     Text, Tag, plus tag-specific fields (Used/Size for usage,
//	            Commands count, Mode id, ConfigID/ConfigValue)
//	done:       StopReason?
//	error:      Text (message), Code?, Retryable?
type Event struct {
	Type   EventType `json:"type"`
	Tag    string    `json:"tag,omitempty"`
	Text   string    `json:"text,omitempty"`
	Stream Stream    `json:"stream,omitempty"`

	// tool_call fields
	Title      string `json:"title,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolStatus string `json:"status,omitempty"`

	// status fields (tag-specific)
	Used        *float64 `json:"used,omitempty"`
	Size        *float64 `json:"size,omitempty"`
	Commands    int      `json:"commands,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	ConfigID    string   `json:"configId,omitempty"`
	ConfigValue string   `json:"configValue,omitempty"`

	// done fields
	StopReason string `json:"stopReason,omitempty"`

	// error fields
	Code      string `json:"code,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// DeliveryKind selects which sink and which counters a delivery applies to.
type DeliveryKind string

const (
	// KindTool is an ephemeral tool-status line, eligible for edit-in-place.
	KindTool DeliveryKind = "tool"
	// KindBlock is an accumulated output chunk flushed mid-turn.
	KindBlock DeliveryKind = "block"
	// KindFinal is the terminal turn output.
	KindFinal DeliveryKind = "final"
)

// ReplyPayload is the content of one delivery. Text and media only; the TTS
// transform is the single place a payload is mutated before it leaves the
// coordinator.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// HasVisibleContent reports whether the payload would produce user-visible
// output. Purely-internal bookkeeping deliveries must never announce a
// visible response, so whitespace-only text does not count.
func (p ReplyPayload) HasVisibleContent() bool {
	if trimmed(p.Text) != "" {
		return true
	}
	return p.MediaURL != "" || len(p.MediaURLs) > 0
}

// DeliverMeta carries per-delivery routing hints from the controller.
type DeliverMeta struct {
	// AllowEdit permits edit-in-place of a previously routed tool message.
	AllowEdit bool
	// ToolCallID associates a tool delivery with its invocation identity.
	ToolCallID string
}

// Counts holds per-kind delivery counters for one turn.
type Counts struct {
	Tool  int `json:"tool"`
	Block int `json:"block"`
	Final int `json:"final"`
}

// Add returns the element-wise sum of two count sets.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Tool:  c.Tool + o.Tool,
		Block: c.Block + o.Block,
		Final: c.Final + o.Final,
	}
}

// Total returns the total number of counted deliveries.
func (c Counts) Total() int {
	return c.Tool + c.Block + c.Final
}
