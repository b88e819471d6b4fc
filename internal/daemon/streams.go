package daemon

import (
	"context"
	"encoding/json"

	"github.com/cccc-kernel/cccc/internal/ipc"
)

// streamHandlers builds the op-name -> StreamFunc table for the IPC
// server's streaming upgrades (spec.md §4.7: events_stream, term_attach).
func (d *Daemon) streamHandlers() map[string]ipc.StreamFunc {
	return map[string]ipc.StreamFunc{
		"events_stream": d.streamEvents,
		"term_attach":   d.streamTermAttach,
	}
}

func (d *Daemon) streamEvents(ctx context.Context, args json.RawMessage, w ipc.StreamWriter) error {
	a, err := decode[eventsStreamArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}

	sub := d.bus.Subscribe(a.GroupID)
	defer d.bus.Unsubscribe(a.GroupID, sub)

	if err := w.WriteLine(ipc.Response{V: ipc.EnvelopeVersion, OK: true}); err != nil {
		return nil // client already gone
	}

	_ = rt // rt kept for symmetry with streamTermAttach and future auth checks
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Closed():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := w.WriteLine(ev); err != nil {
				return nil
			}
		}
	}
}

func (d *Daemon) streamTermAttach(ctx context.Context, args json.RawMessage, w ipc.StreamWriter) error {
	a, err := decode[termAttachArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}

	sub := rt.terminals.Attach(a.ActorID)
	defer rt.terminals.Unsubscribe(a.ActorID, sub)

	scrollback := rt.terminals.Tail(a.ActorID)
	if err := w.WriteLine(ipc.Response{V: ipc.EnvelopeVersion, OK: true, Result: mustMarshal(terminalTailResult{Data: string(scrollback)})}); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Closed():
			return nil
		case data, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := w.WriteLine(terminalTailResult{Data: string(data)}); err != nil {
				return nil
			}
		}
	}
}
