// Package recording locates, archives, and parses agent session traces.
// A trace is a JSONL transcript written by the agent CLI; the harness
// archives it verbatim first and only then derives trajectory metrics,
// so a parser bug can never cost the raw evidence.
package recording

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Turn is one parsed transcript event.
type Turn struct {
	Role         string
	Text         string
	ToolCalls    []string
	InputTokens  int
	OutputTokens int
	Timestamp    time.Time
}

// Recording holds a parsed trace and its derived trajectory metrics.
type Recording struct {
	Path string

	Turns         []Turn
	TurnCount     int
	ToolCallCount int
	// ToolNames is the distinct set of tools invoked, sorted.
	ToolNames    []string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// DurationMS spans the first to the last timestamped event.
	DurationMS int64
	// HasError means at least one tool result reported an error.
	HasError bool
	// Incomplete means some lines could not be parsed; derived metrics
	// are a lower bound, and analysis should treat them as degraded.
	Incomplete bool

	// Children are subagent traces spawned by this session.
	Children []*Recording
}

// traceLine mirrors one JSONL transcript event. Content is either a plain
// string or a list of typed blocks, so it stays raw until inspected.
type traceLine struct {
	Timestamp time.Time       `json:"timestamp"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	IsError bool            `json:"is_error"`
	Content json.RawMessage `json:"content"`
}

// Parse reads a JSONL trace. Malformed lines are skipped and flagged via
// Incomplete; a trace that is garbage end to end still parses to an empty,
// incomplete Recording rather than an error.
func Parse(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &Recording{Path: path}
	tools := map[string]bool{}
	var first, last time.Time

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var tl traceLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			rec.Incomplete = true
			continue
		}

		turn := Turn{
			Role:         tl.Role,
			InputTokens:  tl.Usage.InputTokens,
			OutputTokens: tl.Usage.OutputTokens,
			Timestamp:    tl.Timestamp,
		}
		parseContent(tl.Content, &turn, rec)

		rec.Turns = append(rec.Turns, turn)
		rec.InputTokens += turn.InputTokens
		rec.OutputTokens += turn.OutputTokens
		for _, name := range turn.ToolCalls {
			tools[name] = true
		}
		rec.ToolCallCount += len(turn.ToolCalls)

		if !tl.Timestamp.IsZero() {
			if first.IsZero() || tl.Timestamp.Before(first) {
				first = tl.Timestamp
			}
			if tl.Timestamp.After(last) {
				last = tl.Timestamp
			}
		}
	}
	if err := sc.Err(); err != nil {
		// A truncated or oversized trace degrades, it does not fail.
		rec.Incomplete = true
	}

	rec.TurnCount = len(rec.Turns)
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	if !first.IsZero() {
		rec.DurationMS = last.Sub(first).Milliseconds()
	}
	for name := range tools {
		rec.ToolNames = append(rec.ToolNames, name)
	}
	sort.Strings(rec.ToolNames)
	return rec, nil
}

// parseContent handles both content shapes: a bare string or a block list.
func parseContent(raw json.RawMessage, turn *Turn, rec *Recording) {
	if len(raw) == 0 {
		return
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		turn.Text = text
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		rec.Incomplete = true
		return
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "tool_use":
			turn.ToolCalls = append(turn.ToolCalls, b.Name)
		case "tool_result":
			if b.IsError {
				rec.HasError = true
			}
		}
	}
	turn.Text = strings.Join(parts, "\n")
}

// ParseTree parses a trace and any subagent traces stored alongside it at
// <dir>/subagents/<stem>/*.jsonl.
func ParseTree(path string) (*Recording, error) {
	rec, err := Parse(path)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	childDir := filepath.Join(filepath.Dir(path), "subagents", stem)
	matches, _ := filepath.Glob(filepath.Join(childDir, "*.jsonl"))
	sort.Strings(matches)
	for _, m := range matches {
		child, err := Parse(m)
		if err != nil {
			rec.Incomplete = true
			continue
		}
		rec.Children = append(rec.Children, child)
	}
	return rec, nil
}
