package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/cccc-kernel/cccc/internal/id"
	"github.com/cccc-kernel/cccc/internal/metrics"
	"github.com/cccc-kernel/cccc/internal/util/sanitize"
)

// nowFunc is overridden in tests that need deterministic timestamps.
var nowFunc = time.Now

// Notifier is the C8 bus's publish contract, kept as a small interface
// here to avoid an import cycle between ledger and bus.
type Notifier interface {
	Publish(groupID string, ev Event)
}

// Store is the per-group append-only event ledger (C2). One Store
// owns exactly one group's ledger.jsonl and enforces single-writer
// correctness for it via mu; readers (Tail, Window, Search, GetByID,
// Len) take the same mu, so they are serialized with appends and with
// archival (I1: no row is ever rewritten or deleted in place outside
// of archival, which Compact also runs under mu).
type Store struct {
	groupID       string
	ledgerPath    string
	maxEventBytes int

	blobs    *BlobStore
	refcount *refcountIndex
	notifier Notifier
	markdown *bluemonday.Policy

	mu     sync.Mutex
	file   *os.File
	seq    int64
	events []Event // in-memory mirror of the active (uncompacted) ledger, in append order
	byID   map[string]int
}

// Options configures a new Store.
type Options struct {
	GroupID       string
	StateDir      string // group's state/ directory (spec.md §6 layout)
	LedgerPath    string // group's ledger.jsonl
	MaxEventBytes int
	Notifier      Notifier // may be nil (no bus wired, e.g. in isolated tests)
}

// Open opens (creating if absent) the group's ledger file, rebuilds
// the in-memory index by scanning it, and prepares the blob store and
// refcount index under StateDir/ledger/blobs.
func Open(opts Options) (*Store, error) {
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = 32 * 1024
	}

	if err := os.MkdirAll(filepath.Dir(opts.LedgerPath), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	blobDir := filepath.Join(opts.StateDir, "ledger", "blobs")
	blobs, err := NewBlobStore(blobDir)
	if err != nil {
		return nil, err
	}
	refcount := newRefcountIndex(filepath.Join(blobDir, "refcount.json"))
	if err := refcount.load(); err != nil {
		return nil, err
	}

	s := &Store{
		groupID:       opts.GroupID,
		ledgerPath:    opts.LedgerPath,
		maxEventBytes: opts.MaxEventBytes,
		blobs:         blobs,
		refcount:      refcount,
		notifier:      opts.Notifier,
		markdown:      bluemonday.UGCPolicy(),
		byID:          make(map[string]int),
	}

	if err := s.loadExisting(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(opts.LedgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open ledger for append: %w", err)
	}
	s.file = f

	return s, nil
}

// loadExisting scans the ledger file, tolerating an unterminated
// trailing line (a writer that crashed mid-line) by discarding it, per
// spec.md §4.2's "readers tolerate... not yet readable" rule.
func (s *Store) loadExisting() error {
	f, err := os.Open(s.ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger for scan: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn or corrupt trailing line is not yet readable; stop here.
			break
		}
		s.events = append(s.events, ev)
		s.byID[ev.ID] = len(s.events) - 1
		if ev.Seq > s.seq {
			s.seq = ev.Seq
		}
	}
	return scanner.Err()
}

// Append validates, stamps, durably writes, and fans out a new event.
// The caller supplies a partial Event (V/ID/TS/Seq/Checksum are
// assigned here if absent).
func (s *Store) Append(partial Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := partial
	ev.V = EnvelopeVersion
	if ev.ID == "" {
		ev.ID = id.Generate()
	}
	ev.TS = ev.TS // preserved if caller pre-stamped (e.g. relay); else stamped below
	if ev.TS == "" {
		stampNow(&ev)
	}
	ev.Seq = s.seq + 1

	if err := s.validateKind(ev); err != nil {
		return Event{}, err
	}

	if err := s.spillIfOversized(&ev); err != nil {
		return Event{}, err
	}

	checksum, err := ev.Checksum256()
	if err != nil {
		return Event{}, fmt.Errorf("resource_error: %w", err)
	}
	ev.Checksum = checksum

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("resource_error: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("resource_error: write event: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("resource_error: fsync ledger: %w", err)
	}

	s.seq = ev.Seq
	s.events = append(s.events, ev)
	s.byID[ev.ID] = len(s.events) - 1

	metrics.LedgerAppendsTotal.WithLabelValues(s.groupID, ev.Kind).Inc()

	if s.notifier != nil {
		s.notifier.Publish(s.groupID, ev)
	}

	return ev, nil
}

// validateKind enforces the per-kind invariants the ledger itself is
// responsible for (I2, I3's existence check, I5). Unknown kinds pass
// through unvalidated (spec.md §9).
func (s *Store) validateKind(ev Event) error {
	switch ev.Kind {
	case KindChatMessage:
		var data ChatMessageData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("invalid_request: malformed chat.message data: %w", err)
		}
		if data.Text == "" && len(data.Attachments) == 0 {
			return fmt.Errorf("invalid_request: chat.message requires text or attachments")
		}
		hasSrc := data.SrcGroupID != "" || data.SrcEventID != ""
		bothSrc := data.SrcGroupID != "" && data.SrcEventID != ""
		if hasSrc && !bothSrc {
			return fmt.Errorf("invalid_request: src_group_id/src_event_id must both be set or both empty")
		}
	case KindChatAck:
		var data ChatAckData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("invalid_request: malformed chat.ack data: %w", err)
		}
		if ev.By != data.ActorID {
			return fmt.Errorf("permission_denied: chat.ack must be self-only")
		}
		idx, ok := s.byID[data.EventID]
		if !ok {
			return fmt.Errorf("event_not_found: %s", data.EventID)
		}
		target := s.events[idx]
		if target.Kind != KindChatMessage {
			return fmt.Errorf("invalid_request: chat.ack target is not a chat.message")
		}
		var targetData ChatMessageData
		if err := json.Unmarshal(target.Data, &targetData); err != nil {
			return fmt.Errorf("invalid_request: malformed ack target data: %w", err)
		}
		if targetData.Priority != PriorityAttention {
			return fmt.Errorf("invalid_request: cannot ack a non-attention message")
		}
	case KindChatRead:
		var data ChatReadData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("invalid_request: malformed chat.read data: %w", err)
		}
		if _, ok := s.byID[data.EventID]; !ok {
			return fmt.Errorf("event_not_found: %s", data.EventID)
		}
	}
	return nil
}

// spillIfOversized checks the serialized row against MaxEventBytes
// and, if it would overflow, moves data.text to the blob store and
// replaces it with a canonical blob reference (I7).
func (s *Store) spillIfOversized(ev *Event) error {
	probe := *ev
	probe.Checksum = ""
	line, err := json.Marshal(probe)
	if err != nil {
		return fmt.Errorf("resource_error: marshal event: %w", err)
	}
	if len(line) <= s.maxEventBytes {
		return nil
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("resource_error: event exceeds %d bytes and has no spillable text field", s.maxEventBytes)
	}
	rawText, ok := data["text"]
	if !ok {
		return fmt.Errorf("resource_error: event exceeds %d bytes and has no spillable text field", s.maxEventBytes)
	}
	var text string
	if err := json.Unmarshal(rawText, &text); err != nil {
		return fmt.Errorf("resource_error: spillable field is not a string")
	}

	relPath, shaHex, size, err := s.blobs.Put([]byte(text))
	if err != nil {
		return fmt.Errorf("resource_error: spill to blob: %w", err)
	}
	if err := s.refcount.incr(shaHex); err != nil {
		return fmt.Errorf("resource_error: update refcount: %w", err)
	}
	metrics.LedgerBlobSpillsTotal.WithLabelValues(s.groupID).Inc()

	data["text"] = mustMarshal(BlobRef(relPath, shaHex, size))
	newData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("resource_error: re-marshal spilled data: %w", err)
	}
	ev.Data = newData
	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal literal: %v", err))
	}
	return b
}

// SanitizeMarkdown strips unsafe HTML from markdown-formatted chat
// text before it is considered renderable, using the same UGC policy
// across every port.
func (s *Store) SanitizeMarkdown(text string) string {
	return sanitize.Text(s.markdown.Sanitize(text))
}

// Cursor opaquely identifies a position in a group's ledger for Tail.
type Cursor struct {
	EventID string
	Seq     int64
}

// Tail returns events after the given cursor (or from the start, if
// since is nil), oldest-first, optionally filtered by kind and capped
// at limit (0 means unbounded).
func (s *Store) Tail(since *Cursor, kinds []string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	startIdx := 0
	if since != nil {
		if idx, ok := s.byID[since.EventID]; ok {
			startIdx = idx + 1
		} else if since.Seq > 0 {
			for i, ev := range s.events {
				if ev.Seq > since.Seq {
					startIdx = i
					break
				}
				startIdx = i + 1
			}
		}
	}

	var kindSet map[string]bool
	if len(kinds) > 0 {
		kindSet = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	out := make([]Event, 0, 16)
	for i := startIdx; i < len(s.events); i++ {
		ev := s.events[i]
		if kindSet != nil && !kindSet[ev.Kind] {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// WindowResult is the bounded bidirectional slice Window returns.
type WindowResult struct {
	Events        []Event
	HasMoreBefore bool
	HasMoreAfter  bool
}

// Window returns up to `before` events preceding centerID and up to
// `after` events following it (inclusive of centerID), optionally
// filtered by kind.
func (s *Store) Window(centerID string, before, after int, kinds []string) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[centerID]
	if !ok {
		return WindowResult{}, fmt.Errorf("event_not_found: %s", centerID)
	}

	var kindSet map[string]bool
	if len(kinds) > 0 {
		kindSet = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}
	matches := func(ev Event) bool { return kindSet == nil || kindSet[ev.Kind] }

	var beforeEvents []Event
	hasMoreBefore := false
	for i := idx - 1; i >= 0 && len(beforeEvents) < before; i-- {
		if matches(s.events[i]) {
			beforeEvents = append([]Event{s.events[i]}, beforeEvents...)
		}
	}
	for i := idx - 1 - len(beforeEvents); i >= 0; i-- {
		if matches(s.events[i]) {
			hasMoreBefore = true
			break
		}
	}

	var afterEvents []Event
	hasMoreAfter := false
	count := 0
	i := idx + 1
	for ; i < len(s.events) && count < after; i++ {
		if matches(s.events[i]) {
			afterEvents = append(afterEvents, s.events[i])
			count++
		}
	}
	for ; i < len(s.events); i++ {
		if matches(s.events[i]) {
			hasMoreAfter = true
			break
		}
	}

	result := make([]Event, 0, len(beforeEvents)+1+len(afterEvents))
	result = append(result, beforeEvents...)
	result = append(result, s.events[idx])
	result = append(result, afterEvents...)

	return WindowResult{Events: result, HasMoreBefore: hasMoreBefore, HasMoreAfter: hasMoreAfter}, nil
}

// Search performs a recent-first, case-insensitive substring match
// over each event's whole data JSON (field names included).
func (s *Store) Search(query string, kinds []string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kindSet map[string]bool
	if len(kinds) > 0 {
		kindSet = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	q := strings.ToLower(query)
	out := make([]Event, 0, 16)
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if kindSet != nil && !kindSet[ev.Kind] {
			continue
		}
		if strings.Contains(strings.ToLower(string(ev.Data)), q) {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// GetByID returns the event with the given id, if present in the
// active (uncompacted) ledger.
func (s *Store) GetByID(eventID string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return Event{}, false
	}
	return s.events[idx], true
}

// Len returns the number of events currently held in the active ledger.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ActiveBytes returns the current size of the active ledger file.
func (s *Store) ActiveBytes() (int64, error) {
	info, err := os.Stat(s.ledgerPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close flushes and closes the underlying ledger file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
