// Package agent implements the customer-support conversation state machine.
//
// Information Hiding:
// - Node ordering, routing and channel bookkeeping hidden behind Graph
// - Checkpoint and pending-write persistence hidden in the run loop
// - Prompt wording and conversation rendering hidden in prompts.go
package agent

import (
	"fmt"
	"maps"
	"slices"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

// Intent is the classified purpose of a user turn.
type Intent string

const (
	IntentNone            Intent = ""
	IntentProductInquiry  Intent = "product_inquiry"
	IntentOrderStatus     Intent = "order_status"
	IntentReturns         Intent = "returns"
	IntentCustomerHistory Intent = "customer_history"
	IntentGeneralChat     Intent = "general_chat"
)

// Intents lists the intents a classifier may return.
var Intents = []Intent{
	IntentProductInquiry,
	IntentOrderStatus,
	IntentReturns,
	IntentCustomerHistory,
	IntentGeneralChat,
}

// ParseIntent maps s onto a known intent, falling back to general_chat.
func ParseIntent(s string) Intent {
	for _, in := range Intents {
		if string(in) == s {
			return in
		}
	}
	return IntentGeneralChat
}

// Message is one conversation turn.
type Message struct {
	Role    storage.Role `json:"role"`
	Content string       `json:"content"`
}

// UserMessage returns a user turn.
func UserMessage(content string) Message {
	return Message{Role: storage.RoleUser, Content: content}
}

// AssistantMessage returns an assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: storage.RoleAssistant, Content: content}
}

// Channel names of the state record.
const (
	ChanMessages      = "messages"
	ChanIntent        = "intent"
	ChanExtractedID   = "extracted_id"
	ChanToolResult    = "tool_result"
	ChanToolResultRaw = "tool_result_raw"
	ChanNeedsMoreInfo = "needs_more_info"
	ChanFinalResponse = "final_response"
)

// State is the record threaded through the graph.
type State struct {
	Messages      []Message `json:"messages"`
	Intent        Intent    `json:"intent"`
	ExtractedID   string    `json:"extracted_id"`
	ToolResult    string    `json:"tool_result"`
	ToolResultRaw any       `json:"tool_result_raw"`
	NeedsMoreInfo bool      `json:"needs_more_info"`
	FinalResponse string    `json:"final_response"`
}

// LastMessage returns the newest message, if any.
func (s State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// update is a set of channel writes produced by one node.
type update map[string]any

func (s *State) apply(u update) error {
	for ch, v := range u {
		switch ch {
		case ChanMessages:
			msgs, ok := v.([]Message)
			if !ok {
				return fmt.Errorf("channel %s: unexpected %T", ch, v)
			}
			s.Messages = msgs
		case ChanIntent:
			in, ok := v.(Intent)
			if !ok {
				return fmt.Errorf("channel %s: unexpected %T", ch, v)
			}
			s.Intent = in
		case ChanExtractedID:
			s.ExtractedID, _ = v.(string)
		case ChanToolResult:
			s.ToolResult, _ = v.(string)
		case ChanToolResultRaw:
			s.ToolResultRaw = v
		case ChanNeedsMoreInfo:
			s.NeedsMoreInfo, _ = v.(bool)
		case ChanFinalResponse:
			s.FinalResponse, _ = v.(string)
		default:
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// channels returns every channel of s keyed by name.
func (s State) channels() update {
	return update{
		ChanMessages:      s.Messages,
		ChanIntent:        s.Intent,
		ChanExtractedID:   s.ExtractedID,
		ChanToolResult:    s.ToolResult,
		ChanToolResultRaw: s.ToolResultRaw,
		ChanNeedsMoreInfo: s.NeedsMoreInfo,
		ChanFinalResponse: s.FinalResponse,
	}
}

// encodeWrites serializes u in a stable channel order.
func encodeWrites(ser checkpoint.Serializer, u update) ([]checkpoint.Write, error) {
	writes := make([]checkpoint.Write, 0, len(u))
	for _, ch := range sortedKeys(u) {
		tv, err := ser.Dump(u[ch])
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		writes = append(writes, checkpoint.Write{Channel: ch, Value: tv})
	}
	return writes, nil
}

// decodeWrites is the inverse of encodeWrites.
func decodeWrites(ser checkpoint.Serializer, writes []checkpoint.Write) (update, error) {
	u := make(update, len(writes))
	for _, w := range writes {
		v, err := decodeChannel(ser, w.Channel, w.Value)
		if err != nil {
			return nil, err
		}
		u[w.Channel] = v
	}
	return u, nil
}

func decodeChannel(ser checkpoint.Serializer, ch string, tv checkpoint.TypedValue) (any, error) {
	var err error
	switch ch {
	case ChanMessages:
		var msgs []Message
		err = ser.Load(tv, &msgs)
		return msgs, wrapChannel(ch, err)
	case ChanIntent:
		var in Intent
		err = ser.Load(tv, &in)
		return in, wrapChannel(ch, err)
	case ChanExtractedID, ChanToolResult, ChanFinalResponse:
		var str string
		err = ser.Load(tv, &str)
		return str, wrapChannel(ch, err)
	case ChanNeedsMoreInfo:
		var b bool
		err = ser.Load(tv, &b)
		return b, wrapChannel(ch, err)
	case ChanToolResultRaw:
		var raw any
		err = ser.Load(tv, &raw)
		return raw, wrapChannel(ch, err)
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
}

func wrapChannel(ch string, err error) error {
	if err != nil {
		return fmt.Errorf("channel %s: %w", ch, err)
	}
	return nil
}

// stateFromCheckpoint rebuilds a State from a checkpoint's channel values.
func stateFromCheckpoint(ser checkpoint.Serializer, cp checkpoint.Checkpoint) (State, error) {
	var s State
	for ch, tv := range cp.ChannelValues {
		v, err := decodeChannel(ser, ch, tv)
		if err != nil {
			return State{}, err
		}
		if err := s.apply(update{ch: v}); err != nil {
			return State{}, err
		}
	}
	return s, nil
}

// snapshot builds the checkpoint for s, bumping the version of every channel in
// written.
func snapshot(ser checkpoint.Serializer, s State, versions map[string]int64, written update) (checkpoint.Checkpoint, map[string]int64, error) {
	next := maps.Clone(versions)
	if next == nil {
		next = map[string]int64{}
	}
	for ch := range written {
		next[ch]++
	}
	values := make(map[string]checkpoint.TypedValue, len(next))
	all := s.channels()
	for ch := range next {
		tv, err := ser.Dump(all[ch])
		if err != nil {
			return checkpoint.Checkpoint{}, nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		values[ch] = tv
	}
	return checkpoint.Checkpoint{
		V:               checkpoint.SchemaVersion,
		ChannelValues:   values,
		ChannelVersions: next,
	}, next, nil
}

func sortedKeys(u update) []string {
	return slices.Sorted(maps.Keys(u))
}
