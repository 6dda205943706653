package acp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// ParsePromptEventLine converts one newline-delimited record from the backend
// runtime into a normalized Event, or nil when the record carries nothing
// user-visible. Unparseable non-empty lines degrade to an opaque status event
// so diagnostic output is never silently lost. Pure: no I/O, no state.
func ParsePromptEventLine(line string) *Event {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return &Event{Type: EventStatus, Text: raw}
	}
	return ProjectUpdate(obj)
}

// ProjectUpdate maps one pre-parsed protocol object to a normalized Event.
//
// Dispatch resolution order:
//  1. JSON-RPC envelope with method "session/update": unwrap params.update and
//     use its sessionUpdate field as both type discriminator and tag.
//  2. Flat object with a sessionUpdate field: same treatment.
//  3. Flat object with a type field: dispatch on type; an optional sibling
//     tag field is preserved verbatim.
//
// Unknown kinds return nil (forward compatibility: new protocol tags are
// dropped, not surfaced as garbage).
func ProjectUpdate(obj map[string]any) *Event {
	if method, _ := obj["method"].(string); method == protocol.MethodSessionUpdate {
		if params, ok := obj["params"].(map[string]any); ok {
			if update, ok := params["update"].(map[string]any); ok {
				if tag, _ := update["sessionUpdate"].(string); tag != "" {
					return projectTagged(tag, tag, update)
				}
			}
		}
		return nil
	}

	if tag, _ := obj["sessionUpdate"].(string); tag != "" {
		return projectTagged(tag, tag, obj)
	}

	if kind, _ := obj["type"].(string); kind != "" {
		tag, _ := obj["tag"].(string)
		return projectTagged(kind, tag, obj)
	}

	return nil
}

func projectTagged(kind, tag string, obj map[string]any) *Event {
	switch kind {
	case protocol.TagText, protocol.TagAgentMessageChunk:
		text, ok := contentText(obj)
		if !ok || text == "" {
			return nil
		}
		return &Event{Type: EventTextDelta, Text: text, Stream: StreamOutput, Tag: tag}

	case protocol.TagThought, protocol.TagAgentThoughtChunk:
		text, ok := contentText(obj)
		if !ok || text == "" {
			return nil
		}
		return &Event{Type: EventTextDelta, Text: text, Stream: StreamThought, Tag: tag}

	case protocol.TagToolCall, protocol.TagToolCallUpdate:
		title, _ := obj["title"].(string)
		if title == "" {
			title = "tool call"
		}
		status, _ := obj["status"].(string)
		text := title
		if status != "" {
			text = fmt.Sprintf("%s (%s)", title, status)
		}
		callID, _ := obj["toolCallId"].(string)
		return &Event{
			Type:       EventToolCall,
			Text:       text,
			Tag:        tag,
			Title:      title,
			ToolCallID: callID,
			ToolStatus: status,
		}

	case protocol.TagUsageUpdate:
		used := finiteNumber(obj["used"])
		size := finiteNumber(obj["size"])
		text := "usage updated"
		if used != nil && size != nil {
			text = fmt.Sprintf("usage updated: %s/%s", formatNum(*used), formatNum(*size))
		}
		return &Event{Type: EventStatus, Text: text, Tag: tag, Used: used, Size: size}

	case protocol.TagAvailableCommandsUpdate:
		cmds, ok := obj["availableCommands"].([]any)
		if !ok {
			cmds, ok = obj["commands"].([]any)
		}
		if !ok {
			return nil
		}
		return &Event{
			Type:     EventStatus,
			Text:     fmt.Sprintf("available commands: %d", len(cmds)),
			Tag:      tag,
			Commands: len(cmds),
		}

	case protocol.TagCurrentModeUpdate:
		mode := firstString(obj, "currentModeId", "modeId", "id")
		if mode == "" {
			return nil
		}
		return &Event{Type: EventStatus, Text: "current mode: " + mode, Tag: tag, Mode: mode}

	case protocol.TagConfigOptionUpdate:
		id := firstString(obj, "configId", "id")
		if id == "" {
			return nil
		}
		value := stringify(obj["value"])
		text := id
		if value != "" {
			text = id + "=" + value
		}
		return &Event{Type: EventStatus, Text: text, Tag: tag, ConfigID: id, ConfigValue: value}

	case protocol.TagSessionInfoUpdate:
		text := firstString(obj, "summary", "message")
		if text == "" {
			return nil
		}
		return &Event{Type: EventStatus, Text: text, Tag: tag}

	case protocol.TagPlan:
		entries, _ := obj["entries"].([]any)
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if content, _ := entry["content"].(string); content != "" {
				return &Event{Type: EventStatus, Text: content, Tag: tag}
			}
		}
		return nil

	case protocol.TagClientOperation:
		var parts []string
		for _, key := range []string{"method", "status", "summary"} {
			if v, _ := obj[key].(string); v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return &Event{Type: EventStatus, Text: strings.Join(parts, " "), Tag: tag}

	case protocol.TagUpdate:
		text, _ := obj["update"].(string)
		if text == "" {
			return nil
		}
		return &Event{Type: EventStatus, Text: text, Tag: tag}

	case protocol.TagDone:
		stop, _ := obj["stopReason"].(string)
		return &Event{Type: EventDone, StopReason: stop}

	case protocol.TagError:
		message, _ := obj["message"].(string)
		if message == "" {
			message = "runtime error"
		}
		ev := &Event{Type: EventError, Text: message, Code: stringify(obj["code"])}
		if retryable, ok := obj["retryable"].(bool); ok {
			ev.Retryable = &retryable
		}
		return ev
	}

	return nil
}

// contentText extracts display text from an update. Chunk variants nest the
// content in a {type:"text", text} object; a nested content with a non-"text"
// type means the chunk is not displayable (ok=false → drop).
func contentText(obj map[string]any) (string, bool) {
	if content, ok := obj["content"].(map[string]any); ok {
		if ct, _ := content["type"].(string); ct != "" && ct != "text" {
			return "", false
		}
		text, _ := content["text"].(string)
		return text, true
	}
	text, _ := obj["text"].(string)
	return text, true
}

// finiteNumber accepts a value only if it is a finite JSON number.
// Non-numeric or absent values are missing, not zero.
func finiteNumber(v any) *float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, _ := obj[k].(string); v != "" {
			return v
		}
	}
	return ""
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return formatNum(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
