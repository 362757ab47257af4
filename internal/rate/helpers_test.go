package rate

import (
	"context"
	"sync"

	"ratecore/internal/eventbus"
)

// eventLog is a Sink that keeps everything it receives.
type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) Publish(e eventbus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// callLog records dispatches across groups in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.calls
	c.calls = nil
	return out
}

// recordingGroup is a Dispatcher that records the group name and tick.
type recordingGroup struct {
	name string
	log  *callLog
	// hook, if set, runs inside Dispatch (used to block a sequence).
	hook func(t BaseTick)
}

func (g *recordingGroup) Name() string { return g.name }

func (g *recordingGroup) Dispatch(_ context.Context, t BaseTick) error {
	g.log.add(g.name)
	if g.hook != nil {
		g.hook(t)
	}
	return nil
}
