package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/re-cinq/agentgate/internal/types"
)

// wireMessage is one newline-delimited JSON line from the agent's stdout,
// per spec.md §4.2's consumed wire format. Only the fields this driver
// cares about are decoded; unrecognized shapes are ignored rather than
// rejected, since the wire format evolves faster than this parser does.
type wireMessage struct {
	Type string `json:"type"`

	System *struct {
		Subtype string `json:"subtype"`
	} `json:"system"`

	Assistant *struct {
		Message struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"message"`
	} `json:"assistant"`

	User *struct {
		Message struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"message"`
	} `json:"user"`
}

// toolCallTracker records when each tool call started so durations can be
// computed when its result arrives, and classifies tool names into the
// Reading/Implementing phase buckets spec.md §4.6 names.
type toolCallTracker struct {
	mu       sync.Mutex
	started  map[string]time.Time
	toolName map[string]string
}

func newToolCallTracker() *toolCallTracker {
	return &toolCallTracker{
		started:  make(map[string]time.Time),
		toolName: make(map[string]string),
	}
}

func (t *toolCallTracker) start(id, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[id] = time.Now()
	t.toolName[id] = name
}

func (t *toolCallTracker) finish(id string) (name string, duration time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, found := t.started[id]
	if !found {
		return "", 0, false
	}
	delete(t.started, id)
	name = t.toolName[id]
	delete(t.toolName, id)
	return name, time.Since(start), true
}

// streamParser turns an io.Reader of newline-delimited JSON agent output
// into typed events delivered to a callback, per spec.md §4.2's streaming
// mode. It also feeds the phase tracker so progress_update events carry a
// meaningful phase.
type streamParser struct {
	workOrderID string
	runID       string
	onEvent     EventFunc
	tracker     *toolCallTracker
	phase       *phaseTracker
}

func newStreamParser(workOrderID, runID string, onEvent EventFunc) *streamParser {
	return &streamParser{
		workOrderID: workOrderID,
		runID:       runID,
		onEvent:     onEvent,
		tracker:     newToolCallTracker(),
		phase:       newPhaseTracker(),
	}
}

// consume reads lines from r until EOF, emitting events as it recognizes
// them. Lines that are not valid JSON, or don't match a recognized shape,
// are skipped silently — the teacher's agent wire format is not
// guaranteed to be pure JSON on every line (banners, warnings).
func (p *streamParser) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		p.handle(msg)
	}
}

func (p *streamParser) handle(msg wireMessage) {
	now := time.Now()

	switch {
	case msg.Assistant != nil:
		am := msg.Assistant.Message
		switch am.Type {
		case "text":
			p.phase.observeText(am.Text)
			p.emit(types.Event{
				Type:      types.EventAgentOutput,
				Timestamp: now,
				Text:      am.Text,
			})
		case "tool_use":
			p.tracker.start(am.ID, am.Name)
			p.phase.observeTool(am.Name)
			var input any
			_ = json.Unmarshal(am.Input, &input)
			p.emit(types.Event{
				Type:       types.EventAgentToolCall,
				Timestamp:  now,
				ToolCallID: am.ID,
				ToolName:   am.Name,
				ToolInput:  input,
			})
		}
	case msg.User != nil:
		um := msg.User.Message
		if um.Type == "tool_result" {
			name, dur, _ := p.tracker.finish(um.ToolUseID)
			content := rawContentToString(um.Content)
			p.emit(types.Event{
				Type:       types.EventAgentToolResult,
				Timestamp:  now,
				ToolCallID: um.ToolUseID,
				ToolName:   name,
				ToolResult: types.TruncatePreview(content),
				IsError:    um.IsError,
				DurationMS: dur.Milliseconds(),
			})
		}
	}

	if pct, phase, ok := p.phase.maybeProgress(); ok {
		p.emit(types.Event{
			Type:       types.EventProgressUpdate,
			Timestamp:  now,
			Percentage: pct,
			Phase:      phase,
		})
	}
}

func (p *streamParser) emit(e types.Event) {
	e.WorkOrderID = p.workOrderID
	e.RunID = p.runID
	if p.onEvent != nil {
		p.onEvent(e)
	}
}

func rawContentToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// content may be a structured block array; fall back to its raw JSON
	return string(raw)
}
