// Package dispatch delivers backend events to the loaded plugins.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"unicorn/internal/backend"
	"unicorn/internal/logging"
	"unicorn/internal/plugins"
)

// Sender sends replies produced by plugins.
type Sender interface {
	Send(ctx context.Context, msg backend.Outgoing) error
}

// Dispatcher reads one registry snapshot per event and calls every plugin
// that handles it. A failing or panicking plugin affects only itself.
type Dispatcher struct {
	registry *plugins.Registry
	prefix   string
	sender   Sender
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// New creates a dispatcher. prefix is the set of characters that start a
// command; sender may be nil to drop replies.
func New(registry *plugins.Registry, prefix string, sender Sender) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		prefix:   prefix,
		sender:   sender,
		timeout:  30 * time.Second,
		log:      logging.Get(logging.CategoryDispatch),
	}
}

// Result summarises one dispatch.
type Result struct {
	Invoked int
	Replies int
	Failed  int
}

// Run dispatches events from ch until ctx is done or ch is closed.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan backend.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch delivers ev to every plugin in the current snapshot that
// handles it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev backend.Event) Result {
	var res Result

	data, err := decode(ev.Data)
	if err != nil {
		d.log.Warnw("undecodable event payload", "event", ev.Name, "error", err)
		return res
	}

	cmd, isCommand := "", false
	if ev.Name == backend.EventMessagesUpsert {
		cmd, isCommand = d.parseCommand(data)
	}

	for _, entry := range d.registry.Snapshot() {
		m := entry.Module
		if !m.Handles(ev.Name) {
			continue
		}
		if ev.Name == backend.EventMessagesUpsert && len(m.Commands) > 0 {
			if !isCommand || !m.MatchesCommand(cmd) {
				continue
			}
		}

		res.Invoked++
		reply, err := d.call(entry.ID, m, ev.Name, data)
		if err != nil {
			res.Failed++
			d.log.Warnw("plugin failed", "plugin", entry.ID, "event", ev.Name, "error", err)
			continue
		}
		if reply == "" {
			continue
		}
		if d.reply(ctx, entry.ID, data, reply) {
			res.Replies++
		}
	}
	return res
}

func (d *Dispatcher) call(id string, m *plugins.Module, ev backend.EventName, data map[string]interface{}) (reply string, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		d.log.Debugw("plugin call", "plugin", id, "event", ev, "took", time.Since(start))
	}()
	// Each plugin gets its own copy so one cannot corrupt another's input.
	return m.Call(ev, clone(data))
}

func (d *Dispatcher) reply(ctx context.Context, id string, data map[string]interface{}, text string) bool {
	if d.sender == nil {
		return false
	}
	chat, _ := data["chat"].(string)
	if chat == "" {
		d.log.Debugw("reply without chat dropped", "plugin", id)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, backend.Outgoing{Chat: chat, Text: text}); err != nil {
		d.log.Warnw("reply failed", "plugin", id, "chat", chat, "error", err)
		return false
	}
	return true
}

// parseCommand recognises "<prefix char><command> args..." in data["text"]
// and stores command and args back into data.
func (d *Dispatcher) parseCommand(data map[string]interface{}) (string, bool) {
	text, _ := data["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" || d.prefix == "" {
		return "", false
	}
	r, size := utf8.DecodeRuneInString(text)
	if !strings.ContainsRune(d.prefix, r) {
		return "", false
	}
	fields := strings.Fields(text[size:])
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(fields[0])
	data["command"] = cmd
	data["args"] = strings.Join(fields[1:], " ")
	return cmd, true
}

func decode(raw json.RawMessage) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if len(raw) == 0 {
		return data, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	data["payload"] = v
	return data, nil
}

func clone(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
