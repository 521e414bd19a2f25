package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xiaocainiao633/codesage/internal/protocol"
	"github.com/xiaocainiao633/codesage/internal/stream"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

// settleInterval bounds how long a terminal state can go unnoticed when the
// event buffer overflowed.
const settleInterval = time.Second

type eventPrinter struct {
	out      io.Writer
	jsonOut  bool
	thoughts map[string]int
}

func newEventPrinter(out io.Writer, jsonOut bool) *eventPrinter {
	return &eventPrinter{out: out, jsonOut: jsonOut, thoughts: make(map[string]int)}
}

func (p *eventPrinter) print(evt tasks.Event) {
	if p.jsonOut {
		_ = json.NewEncoder(p.out).Encode(evt)
		return
	}
	prefix := "[" + evt.TaskID + "]"
	switch evt.Type {
	case tasks.EventTaskCreated:
		if evt.Task != nil {
			fmt.Fprintf(p.out, "%s created %s %q\n", prefix, evt.Task.Type, evt.Task.Name)
		}
	case tasks.EventTaskUpdated, tasks.EventTaskCancelled:
		if evt.Task == nil {
			return
		}
		p.printThoughts(prefix, *evt.Task)
		line := fmt.Sprintf("%s %s %d%%", prefix, evt.Task.Status, evt.Task.Progress)
		if msg := strings.TrimSpace(evt.Message); msg != "" {
			line += " " + msg
		}
		if evt.Task.Error != "" {
			line += " error: " + evt.Task.Error
		}
		fmt.Fprintln(p.out, line)
	case tasks.EventConnection:
		switch evt.Code {
		case protocol.SystemCodeConnected:
			fmt.Fprintf(p.out, "%s %s channel connected\n", prefix, evt.Channel)
		case protocol.SystemCodeConnectionFailed:
			fmt.Fprintf(p.out, "%s %s channel lost: %s\n", prefix, evt.Channel, evt.Message)
		default:
			fmt.Fprintf(p.out, "%s %s channel: %s\n", prefix, evt.Channel, evt.Message)
		}
	}
}

func (p *eventPrinter) printThoughts(prefix string, task tasks.Task) {
	seen := p.thoughts[task.ID]
	if seen > len(task.AgentThoughts) {
		seen = 0
	}
	for _, th := range task.AgentThoughts[seen:] {
		fmt.Fprintf(p.out, "%s %s: %s\n", prefix, th.Type, th.Message)
	}
	p.thoughts[task.ID] = len(task.AgentThoughts)
}

// follow prints events for ids until each is terminal, its progress channel
// gives up, ctx ends or the event feed closes.
func follow(ctx context.Context, p *eventPrinter, events <-chan tasks.Event, lookup func(string) (tasks.Task, bool), ids []string) {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id := range pending {
				if t, ok := lookup(id); ok && t.Terminal() {
					p.print(tasks.Event{Type: tasks.EventTaskUpdated, TaskID: id, Task: &t, At: time.Now().UTC()})
					delete(pending, id)
				}
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if _, watched := pending[evt.TaskID]; !watched {
				continue
			}
			p.print(evt)
			switch {
			case evt.Task != nil && evt.Task.Terminal():
				delete(pending, evt.TaskID)
			case evt.Type == tasks.EventConnection &&
				evt.Code == protocol.SystemCodeConnectionFailed &&
				evt.Channel == string(stream.ChannelProgress):
				delete(pending, evt.TaskID)
			}
		}
	}
}
