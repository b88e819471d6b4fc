package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/id"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
)

// maxInlineBytes bounds the canonical one-line injection form; longer
// text is spilled to a file and only a pointer is injected (spec.md
// §4.5: "avoids partial-line execution hazards").
const maxInlineBytes = 4096

// RuntimeProfile describes one runtime tag's terminal capabilities.
type RuntimeProfile struct {
	BracketedPaste bool
	// Submit is the trailing key sequence sent after the payload:
	// "enter", "ctrl-j", or "none".
	Submit string
}

// RuntimeConfig maps a runtime tag to its injection profile.
type RuntimeConfig struct {
	Profiles map[string]RuntimeProfile
	Default  RuntimeProfile
}

// DefaultRuntimeConfig is the built-in profile table (spec.md §4.5:
// "configurable per runtime"). Unknown runtime tags fall back to
// bracketed-paste with a trailing Enter, the safest default for an
// interactive shell or REPL.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Profiles: map[string]RuntimeProfile{
			"headless": {BracketedPaste: false, Submit: "none"},
		},
		Default: RuntimeProfile{BracketedPaste: true, Submit: "enter"},
	}
}

func (c RuntimeConfig) profileFor(runtime string) RuntimeProfile {
	if p, ok := c.Profiles[runtime]; ok {
		return p
	}
	return c.Default
}

const (
	bracketedPasteStart = "\x1b[200~"
	bracketedPasteEnd   = "\x1b[201~"
)

// serializeMessage builds the canonical PTY injection payload:
// "[cccc] <by> → <recipient>: <text>", spilling to workDir/spill when
// it would not fit on one line.
func serializeMessage(workDir, by, recipient, text string) (payload string, spillPath string, err error) {
	line := fmt.Sprintf("[cccc] %s → %s: %s", by, recipient, text)
	if len(line) <= maxInlineBytes {
		return line, "", nil
	}

	spillDir := filepath.Join(workDir, "spill")
	if err := os.MkdirAll(spillDir, 0o750); err != nil {
		return "", "", fmt.Errorf("create spill dir: %w", err)
	}
	name := filepath.Join(spillDir, id.GenerateShort()+".txt")
	if err := os.WriteFile(name, []byte(text), 0o640); err != nil {
		return "", "", fmt.Errorf("write spill file: %w", err)
	}
	header := fmt.Sprintf("[cccc] %s → %s: (message too long, see %s)", by, recipient, name)
	return header, name, nil
}

// wrapForInjection applies the runtime's bracketed-paste and submit
// conventions to a serialized payload.
func wrapForInjection(profile RuntimeProfile, payload string) []byte {
	var out []byte
	if profile.BracketedPaste {
		out = append(out, bracketedPasteStart...)
		out = append(out, payload...)
		out = append(out, bracketedPasteEnd...)
	} else {
		out = append(out, payload...)
	}
	switch profile.Submit {
	case "enter":
		out = append(out, '\r')
	case "ctrl-j":
		out = append(out, '\n')
	}
	return out
}

// injectionItem is one queued best-effort injection.
type injectionItem struct {
	event ledger.Event
	by    string
}

// actorQueue is a bounded FIFO of pending injections for one actor,
// rate-limited to one send per minInterval. A full queue drops the
// oldest pending item (spec.md §4.5).
type actorQueue struct {
	ch chan injectionItem
}

func newActorQueue(depth int) *actorQueue {
	return &actorQueue{ch: make(chan injectionItem, depth)}
}

// push enqueues item, dropping the oldest queued item if full.
// Reports true if something was dropped.
func (q *actorQueue) push(item injectionItem) bool {
	select {
	case q.ch <- item:
		return false
	default:
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- item:
		default:
		}
		return true
	}
}

// queueSet owns one actorQueue + dispatcher goroutine per actor.
type queueSet struct {
	mu       sync.Mutex
	groupID  string
	workDir  string
	sup      *actorsup.Supervisor
	group    *group.Group
	queues   map[string]*actorQueue
	profiles RuntimeConfig
}

const queueDepth = 32

func newQueueSet(groupID string, sup *actorsup.Supervisor, workDir string) *queueSet {
	return &queueSet{groupID: groupID, sup: sup, workDir: workDir, queues: make(map[string]*actorQueue), profiles: DefaultRuntimeConfig()}
}

func (qs *queueSet) queueFor(actorID string, minInterval time.Duration) *actorQueue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if q, ok := qs.queues[actorID]; ok {
		return q
	}
	q := newActorQueue(queueDepth)
	qs.queues[actorID] = q
	go qs.dispatch(actorID, q, minInterval)
	return q
}

func (qs *queueSet) dispatch(actorID string, q *actorQueue, minInterval time.Duration) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	ticker := time.NewTicker(minInterval)
	defer ticker.Stop()
	for range ticker.C {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return
			}
			qs.inject(actorID, item)
		default:
		}
		metrics.DeliveryQueueDepth.WithLabelValues(qs.groupID, actorID).Set(float64(len(q.ch)))
	}
}

func (qs *queueSet) inject(actorID string, item injectionItem) {
	var data ledger.ChatMessageData
	if err := json.Unmarshal(item.event.Data, &data); err != nil {
		metrics.DeliveryInjectionsTotal.WithLabelValues(qs.groupID, "error").Inc()
		return
	}

	profile := qs.profiles.Default
	if qs.group != nil {
		if actor, ok := qs.group.ActorByID(actorID); ok {
			profile = qs.profiles.profileFor(actor.Runtime)
		}
	}
	payload, _, err := serializeMessage(qs.workDir, item.by, actorID, data.Text)
	if err != nil {
		metrics.DeliveryInjectionsTotal.WithLabelValues(qs.groupID, "error").Inc()
		return
	}

	wrapped := wrapForInjection(profile, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- qs.sup.Write(actorID, wrapped) }()

	select {
	case err := <-done:
		if err != nil {
			metrics.DeliveryInjectionsTotal.WithLabelValues(qs.groupID, "error").Inc()
			return
		}
		metrics.DeliveryInjectionsTotal.WithLabelValues(qs.groupID, "ok").Inc()
	case <-ctx.Done():
		metrics.DeliveryInjectionsTotal.WithLabelValues(qs.groupID, "timeout").Inc()
	}
}

// enqueueInjection queues a best-effort injection for actorID,
// creating its dispatcher on first use and recording a dropped-oldest
// system.notify when the bounded queue overflows.
func (p *Pipeline) enqueueInjection(actorID, by string, ev ledger.Event) {
	minInterval := time.Duration(p.runtimeInterval()) * time.Second
	q := p.queues.queueFor(actorID, minInterval)
	if dropped := q.push(injectionItem{event: ev, by: by}); dropped {
		metrics.DeliveryDroppedTotal.WithLabelValues(p.group.GroupID, actorID).Inc()
		p.notifyDropped(actorID)
	}
}

func (p *Pipeline) runtimeInterval() int {
	return p.deliveryMinIntervalSeconds
}

func (p *Pipeline) notifyDropped(actorID string) {
	data, err := json.Marshal(ledger.SystemNotifyData{
		Kind: "delivery_dropped", To: []string{actorID},
		Text: "an injection was dropped because the delivery queue overflowed",
	})
	if err != nil {
		return
	}
	_, _ = p.ledger.Append(ledger.Event{
		Kind: ledger.KindSystemNotify, GroupID: p.group.GroupID,
		By: ledger.PrincipalSystem, Data: data,
	})
}
