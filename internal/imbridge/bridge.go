// Package imbridge defines the minimal contract the kernel expects
// from an IM bridge adapter (Telegram/Slack/Discord/Feishu/DingTalk),
// per spec.md §1's scope note and §9's duck-typed-adapter-to-interface
// mapping: `IMBridge = {start, stop, publish, handle_inbound}`. No
// concrete adapter lives here — those are out of scope (§1) — only the
// capability surface and the registry that would wire one in.
package imbridge

import (
	"context"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

// InboundMessage is what a bridge hands the kernel for a message that
// arrived on its external channel. GroupID/ChannelRef identify which
// group's delivery pipeline should receive it; By defaults to "user"
// per spec.md §6 ("Default inbound `by` is `user`") when the bridge
// has no finer-grained principal mapping of its own.
type InboundMessage struct {
	GroupID    string
	ChannelRef string
	By         string
	Text       string
	Format     string
}

// Bridge is the capability every IM adapter must provide. The kernel
// only ever calls Start/Stop/Publish; HandleInbound is the direction
// the bridge drives (its own transport loop calls into the kernel,
// not the other way around), included here for documentation of the
// contract's shape rather than as something the registry invokes.
type Bridge interface {
	// Start begins the bridge's own connection/poll loop. Returning
	// means the bridge is ready to Publish to and receive from its
	// external transport; the loop itself runs until ctx is cancelled
	// or Stop is called.
	Start(ctx context.Context) error
	// Stop tears down the bridge's transport connection.
	Stop(ctx context.Context) error
	// Publish forwards one outbound event to every external channel
	// currently subscribed to ev.GroupID. Bridges filter by their own
	// subscription set (spec.md §6/§8); the kernel does not filter on
	// the bridge's behalf.
	Publish(ctx context.Context, ev ledger.Event) error
	// HandleInbound is called by the bridge's own transport loop (not
	// by the kernel) once it has mapped an external message onto a
	// group/channel pair, with deliver being the kernel-supplied
	// callback that actually submits the message (normally
	// delivery.Pipeline.Submit wrapped to match this signature).
	HandleInbound(ctx context.Context, msg InboundMessage, deliver func(context.Context, InboundMessage) (ledger.Event, error)) error
}

// Factory constructs a Bridge for a given bridge id (e.g. "telegram",
// "slack"), mirroring internal/actorsup's runtime-tag -> Runner
// factory pattern (spec.md §9).
type Factory func(bridgeID string) (Bridge, error)

// Registry maps bridge ids to factories. The kernel itself never
// registers a concrete bridge (none are in scope, §1); a host binary
// that wires in real adapters would populate this at startup.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry constructs an empty bridge registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a bridge factory under the given id.
func (r *Registry) Register(bridgeID string, f Factory) {
	r.factories[bridgeID] = f
}

// New constructs a Bridge instance from a registered factory.
func (r *Registry) New(bridgeID string) (Bridge, error) {
	f, ok := r.factories[bridgeID]
	if !ok {
		return nil, ErrUnknownBridge{BridgeID: bridgeID}
	}
	return f(bridgeID)
}

// ErrUnknownBridge is returned by Registry.New for an id with no
// registered factory.
type ErrUnknownBridge struct {
	BridgeID string
}

func (e ErrUnknownBridge) Error() string {
	return "imbridge: unknown bridge id " + e.BridgeID
}
