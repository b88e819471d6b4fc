package ledger

import (
	"fmt"
	"strings"
)

// Selector tokens, always lowercase and @-prefixed.
const (
	SelectorAll     = "@all"
	SelectorPeers   = "@peers"
	SelectorForeman = "@foreman"
	SelectorUser    = "@user"
)

var knownSelectors = map[string]bool{
	SelectorAll:     true,
	SelectorPeers:   true,
	SelectorForeman: true,
	SelectorUser:    true,
}

// ActorLookup resolves an actor title (case-insensitive) to its id,
// and confirms whether a given id exists. Implemented by
// internal/group's registry.
type ActorLookup interface {
	// ResolveTitle returns the actor id for a case-insensitive title
	// match. ok is false if no such title exists; err is non-nil if the
	// title matches more than one actor (ambiguous).
	ResolveTitle(title string) (actorID string, ok bool, err error)
	// HasActor reports whether actorID is a known actor id in the group.
	HasActor(actorID string) bool
}

// NormalizeRecipients implements spec.md §4.1's normalization step,
// applied before C2 append: parse → resolve titles → dedupe
// preserving insertion order → lowercase selectors → reject unknown
// @x tokens. The returned slice is the canonical stored `to`.
//
// An empty input list is left empty (broadcast is represented as the
// empty list on the wire and expanded to @all+user only at resolution
// time, per spec.md §4.1).
func NormalizeRecipients(tokens []string, lookup ActorLookup) ([]string, error) {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))

	for _, raw := range tokens {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}

		// Literal "user" is an alias of @user.
		if tok == "user" {
			tok = SelectorUser
		}

		if strings.HasPrefix(tok, "@") {
			lower := strings.ToLower(tok)
			if !knownSelectors[lower] {
				return nil, fmt.Errorf("invalid_request: unknown selector %q", raw)
			}
			if !seen[lower] {
				seen[lower] = true
				out = append(out, lower)
			}
			continue
		}

		// Exact actor id match takes priority over title match.
		if lookup != nil && lookup.HasActor(tok) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
			continue
		}

		if lookup != nil {
			actorID, ok, err := lookup.ResolveTitle(tok)
			if err != nil {
				return nil, fmt.Errorf("invalid_request: ambiguous recipient title %q: %w", raw, err)
			}
			if ok {
				if !seen[actorID] {
					seen[actorID] = true
					out = append(out, actorID)
				}
				continue
			}
		}

		return nil, fmt.Errorf("invalid_request: unknown recipient %q", raw)
	}

	return out, nil
}

// Resolution is the expansion of a normalized `to[]` against the
// current actor registry, produced at delivery time (never stored).
type Resolution struct {
	ActorIDs  []string
	ToUser    bool
	Attention bool
}

// RegistrySnapshot is the minimal actor-registry view delivery
// resolution needs; implemented by internal/group.
type RegistrySnapshot interface {
	// EnabledActorIDs returns every enabled actor id in the group.
	EnabledActorIDs() []string
	// PeerActorIDs returns every enabled non-foreman actor id.
	PeerActorIDs() []string
	// ForemanActorID returns the current foreman's id, or "" if none.
	ForemanActorID() string
	// ActorExists reports whether actorID is a known actor id.
	ActorExists(actorID string) bool
}

// ResolveRecipients expands a normalized `to[]` (or the empty-list
// broadcast) against reg, excluding the sender actor id (empty
// senderActorID means the sender was the user or system and nothing
// is excluded). attention is true when priority=="attention" and the
// concrete actor set is non-empty (spec.md's "0 recipients + attention
// creates no attention state" edge case).
func ResolveRecipients(to []string, priority string, senderActorID string, reg RegistrySnapshot) Resolution {
	if len(to) == 0 {
		ids := excludeSender(reg.EnabledActorIDs(), senderActorID)
		return Resolution{
			ActorIDs:  ids,
			ToUser:    true,
			Attention: priority == PriorityAttention && len(ids) > 0,
		}
	}

	idSet := make(map[string]bool)
	toUser := false
	for _, tok := range to {
		switch tok {
		case SelectorAll:
			for _, id := range reg.EnabledActorIDs() {
				idSet[id] = true
			}
			toUser = true
		case SelectorPeers:
			for _, id := range reg.PeerActorIDs() {
				idSet[id] = true
			}
		case SelectorForeman:
			if f := reg.ForemanActorID(); f != "" {
				idSet[f] = true
			}
		case SelectorUser:
			toUser = true
		default:
			if reg.ActorExists(tok) {
				idSet[tok] = true
			}
		}
	}

	delete(idSet, senderActorID)

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	return Resolution{
		ActorIDs:  ids,
		ToUser:    toUser,
		Attention: priority == PriorityAttention && len(ids) > 0,
	}
}

func excludeSender(ids []string, sender string) []string {
	if sender == "" {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != sender {
			out = append(out, id)
		}
	}
	return out
}
