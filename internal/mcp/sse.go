// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import "strings"

// sseEvent is one blank-line-terminated event block from a text/event-stream
// body. Multi-line data fields arrive joined with newlines.
type sseEvent struct {
	name string
	data string
	id   string
}

// eventSourceParser is an incremental SSE parser. Chunks may split lines and
// events at arbitrary byte positions; the parser carries the partial tail
// between calls.
type eventSourceParser struct {
	buf     string
	current sseEvent
}

// parse consumes one chunk and returns the events completed by it.
func (p *eventSourceParser) parse(chunk string) []sseEvent {
	p.buf += chunk

	// The spec allows \r\n, \n, or lone \r as line terminators.
	norm := strings.ReplaceAll(p.buf, "\r\n", "\n")
	norm = strings.ReplaceAll(norm, "\r", "\n")
	lines := strings.Split(norm, "\n")
	p.buf = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []sseEvent
	for _, line := range lines {
		if line == "" {
			if p.current.data != "" {
				events = append(events, p.current)
				p.current = sseEvent{}
			}
			continue
		}

		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}

		field := line[:colon]
		value := strings.TrimPrefix(line[colon+1:], " ")

		switch field {
		case "event":
			p.current.name = value
		case "data":
			if p.current.data != "" {
				p.current.data += "\n"
			}
			p.current.data += value
		case "id":
			p.current.id = value
		}
		// Comment lines (empty field) and unknown fields are dropped.
	}

	return events
}

// flush returns the trailing event when the stream ends without a final
// blank line.
func (p *eventSourceParser) flush() (sseEvent, bool) {
	if p.buf != "" {
		events := p.parse("\n\n")
		p.buf = ""
		if len(events) > 0 {
			return events[0], true
		}
	}
	if p.current.data != "" {
		ev := p.current
		p.current = sseEvent{}
		return ev, true
	}
	return sseEvent{}, false
}

// isMessageEvent reports whether an event should be dispatched as a protocol
// message. Unnamed events default to "message" per the SSE spec.
func (ev sseEvent) isMessageEvent() bool {
	return ev.name == "" || ev.name == "message"
}
