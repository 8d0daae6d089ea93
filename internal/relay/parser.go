package relay

import (
	"strings"
	"time"

	"github.com/harut0/phoned/internal/model"
)

// Output markers emitted by the agent's diagnostic stream. Thinking and
// performance markers open a buffered section; the action and takeover
// markers produce single-line events.
const (
	thinkingMarker    = "💭"
	performanceMarker = "⏱"
	actionMarker      = "🎯"
	takeoverMarker    = "Press Enter after completing manual operation"

	takeoverMessage = "manual takeover requested by agent"
)

// Parser is a single-pass scanner over the agent's raw output lines.
// An opened thinking or performance section with content is flushed
// exactly once: on the next transition or at Flush. Emission order
// follows input line order.
type Parser struct {
	section model.TaskEventKind
	buf     []string
	now     func() time.Time
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Feed consumes one raw line and returns the events it produced, which
// may be empty. Lines are trimmed; blank lines are ignored.
func (p *Parser) Feed(line string) []model.TaskEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch {
	case strings.Contains(line, takeoverMarker):
		return []model.TaskEvent{p.event(model.EventTakeover, takeoverMessage)}
	case strings.Contains(line, thinkingMarker):
		events := p.flushSection()
		p.openSection(model.EventThinking, line)
		return events
	case strings.Contains(line, performanceMarker):
		events := p.flushSection()
		p.openSection(model.EventPerformance, line)
		return events
	case strings.Contains(line, actionMarker):
		events := p.flushSection()
		return append(events, p.event(model.EventAction, markerPayload(line)))
	case strings.HasPrefix(line, "--"):
		// Divider, never buffered.
		return nil
	default:
		if p.section != "" {
			p.buf = append(p.buf, line)
		}
		return nil
	}
}

// Flush closes the stream, emitting any still-open section.
func (p *Parser) Flush() []model.TaskEvent {
	return p.flushSection()
}

func (p *Parser) openSection(kind model.TaskEventKind, markerLine string) {
	p.section = kind
	p.buf = p.buf[:0]
	if payload := markerPayload(markerLine); payload != "" {
		p.buf = append(p.buf, payload)
	}
}

func (p *Parser) flushSection() []model.TaskEvent {
	if p.section == "" || len(p.buf) == 0 {
		p.section = ""
		p.buf = p.buf[:0]
		return nil
	}
	ev := p.event(p.section, strings.Join(p.buf, "\n"))
	p.section = ""
	p.buf = p.buf[:0]
	return []model.TaskEvent{ev}
}

func (p *Parser) event(kind model.TaskEventKind, message string) model.TaskEvent {
	return model.TaskEvent{Kind: kind, Message: message, Timestamp: p.now()}
}

// markerPayload returns the trimmed text after the first colon on a
// marker line, or "" when the line carries no payload.
func markerPayload(line string) string {
	cut := -1
	width := 0
	for _, sep := range []string{":", "："} {
		if idx := strings.Index(line, sep); idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
			width = len(sep)
		}
	}
	if cut < 0 {
		return ""
	}
	return strings.TrimSpace(line[cut+width:])
}
