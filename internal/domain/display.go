package domain

// DisplayItemKind classifies one UI-oriented display item.
type DisplayItemKind string

const (
	DisplayText       DisplayItemKind = "text"
	DisplayThinking   DisplayItemKind = "thinking"
	DisplayToolCall   DisplayItemKind = "tool_call"
	DisplayToolResult DisplayItemKind = "tool_result"
)

// DisplayItem is the append-only UI projection of one fragment of a
// message. Display history may outlive the serialized State: middleware may
// compact messages without touching it.
type DisplayItem struct {
	MessageID string          `json:"message_id"`
	Role      string          `json:"role"`
	Sequence  int             `json:"sequence"`
	Kind      DisplayItemKind `json:"kind"`
	Content   string          `json:"content,omitempty"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	// ToolStatus tracks tool execution for tool_call items
	// (executing/completed/failed).
	ToolStatus string      `json:"tool_status,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// DisplayItems expands a message into its display projection, with a stable
// sequence within the parent.
func DisplayItems(m Message) []DisplayItem {
	var items []DisplayItem
	seq := 0
	add := func(it DisplayItem) {
		it.MessageID = m.ID
		it.Role = m.Role
		it.Sequence = seq
		seq++
		items = append(items, it)
	}
	if m.Thinking != "" {
		add(DisplayItem{Kind: DisplayThinking, Content: m.Thinking})
	}
	if m.Content != "" {
		add(DisplayItem{Kind: DisplayText, Content: m.Content})
	}
	for i := range m.ToolCalls {
		add(DisplayItem{Kind: DisplayToolCall, ToolCall: &m.ToolCalls[i]})
	}
	for i := range m.ToolResults {
		r := m.ToolResults[i]
		add(DisplayItem{Kind: DisplayToolResult, Content: r.Content, ToolResult: &m.ToolResults[i]})
	}
	return items
}
