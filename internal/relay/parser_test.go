package relay

import (
	"testing"

	"github.com/harut0/phoned/internal/model"
)

func feedAll(p *Parser, lines []string) []model.TaskEvent {
	var events []model.TaskEvent
	for _, line := range lines {
		events = append(events, p.Feed(line)...)
	}
	return events
}

func TestParserThinkingSectionFlushesOnNextMarker(t *testing.T) {
	p := NewParser()
	events := feedAll(p, []string{
		"💭 thinking: step one",
		"continuing thought",
		"⏱ performance: 2 steps",
	})
	if len(events) != 1 {
		t.Fatalf("expected 1 event before flush, got %d: %+v", len(events), events)
	}
	if events[0].Kind != model.EventThinking {
		t.Fatalf("expected thinking event, got %s", events[0].Kind)
	}
	if events[0].Message != "step one\ncontinuing thought" {
		t.Fatalf("unexpected thinking message: %q", events[0].Message)
	}

	rest := p.Flush()
	if len(rest) != 1 || rest[0].Kind != model.EventPerformance {
		t.Fatalf("expected buffered performance event at flush, got %+v", rest)
	}
	if rest[0].Message != "2 steps" {
		t.Fatalf("unexpected performance message: %q", rest[0].Message)
	}
}

func TestParserSectionFlushesExactlyOnce(t *testing.T) {
	p := NewParser()
	_ = feedAll(p, []string{"💭 thinking: only once"})
	first := p.Flush()
	if len(first) != 1 {
		t.Fatalf("expected 1 event, got %d", len(first))
	}
	if second := p.Flush(); len(second) != 0 {
		t.Fatalf("expected no events on second flush, got %+v", second)
	}
}

func TestParserActionEventIsImmediate(t *testing.T) {
	p := NewParser()
	events := p.Feed("🎯执行动作: tap(100, 200)")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != model.EventAction || events[0].Message != "tap(100, 200)" {
		t.Fatalf("unexpected action event: %+v", events[0])
	}
}

func TestParserActionFlushesOpenSection(t *testing.T) {
	p := NewParser()
	_ = p.Feed("💭 thinking: look at the screen")
	events := p.Feed("🎯 action: swipe up")
	if len(events) != 2 {
		t.Fatalf("expected thinking flush plus action, got %+v", events)
	}
	if events[0].Kind != model.EventThinking || events[1].Kind != model.EventAction {
		t.Fatalf("unexpected event order: %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestParserTakeoverDetection(t *testing.T) {
	p := NewParser()
	events := p.Feed("Press Enter after completing manual operation...")
	if len(events) != 1 || events[0].Kind != model.EventTakeover {
		t.Fatalf("expected takeover event, got %+v", events)
	}
	if events[0].Message != "manual takeover requested by agent" {
		t.Fatalf("unexpected takeover message: %q", events[0].Message)
	}
}

func TestParserIgnoresNoise(t *testing.T) {
	p := NewParser()
	lines := []string{
		"",
		"   ",
		"--------",
		"stray line outside any section",
	}
	if events := feedAll(p, lines); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if events := p.Flush(); len(events) != 0 {
		t.Fatalf("expected empty flush, got %+v", events)
	}
}

func TestParserFullwidthColonPayload(t *testing.T) {
	p := NewParser()
	_ = p.Feed("💭思考过程：分析当前屏幕")
	events := p.Flush()
	if len(events) != 1 || events[0].Message != "分析当前屏幕" {
		t.Fatalf("expected fullwidth colon payload, got %+v", events)
	}
}

func TestParserMarkerWithoutPayloadBuffersFollowingLines(t *testing.T) {
	p := NewParser()
	_ = p.Feed("⏱")
	_ = p.Feed("latency 1.2s")
	events := p.Flush()
	if len(events) != 1 || events[0].Kind != model.EventPerformance {
		t.Fatalf("expected performance event, got %+v", events)
	}
	if events[0].Message != "latency 1.2s" {
		t.Fatalf("unexpected message: %q", events[0].Message)
	}
}

func TestParserEmptySectionProducesNothing(t *testing.T) {
	p := NewParser()
	_ = p.Feed("💭")
	events := p.Feed("🎯 action: tap(1, 2)")
	if len(events) != 1 || events[0].Kind != model.EventAction {
		t.Fatalf("expected only the action event, got %+v", events)
	}
}
