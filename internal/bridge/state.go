package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"conductor/internal/storage"
	"conductor/pkg/logger"
)

// PatchOp is one JSON Patch operation applied to a thread's shared state.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// SharedState is the versioned state document shared across both engines
// for a thread. Writes go through compare-and-swap: a stale base version is
// rejected with storage.ErrVersionConflict and never merged. Versions are
// strictly increasing with no gaps.
type SharedState struct {
	db     *storage.DB
	broker *Broker
}

// NewSharedState creates the shared-state manager.
func NewSharedState(db *storage.DB, broker *Broker) *SharedState {
	return &SharedState{db: db, broker: broker}
}

// Get returns the thread's current state document and version. A thread with
// no state yet reads as an empty document at version 0.
func (s *SharedState) Get(threadID string) (json.RawMessage, int, error) {
	ts, err := s.db.GetThreadState(threadID)
	if err != nil {
		return nil, 0, err
	}
	return json.RawMessage(ts.State), ts.Version, nil
}

// Snapshot replaces the full state document at the given base version and
// publishes a STATE_SNAPSHOT event. Returns the new version.
func (s *SharedState) Snapshot(threadID string, doc json.RawMessage, baseVersion int) (int, error) {
	if !json.Valid(doc) {
		return 0, fmt.Errorf("state: snapshot is not valid JSON")
	}

	ts, err := s.db.CompareAndSwapThreadState(threadID, doc, baseVersion)
	if err != nil {
		return 0, err
	}

	ev := newEvent(EventStateSnapshot, threadID, "")
	ev.Snapshot = doc
	ev.Version = ts.Version
	s.publish(ev)

	return ts.Version, nil
}

// Patch applies JSON Patch operations against the thread state at the given
// base version. The patch is computed on the document as read; the CAS write
// detects a concurrent writer, in which case nothing is applied. On success
// a STATE_DELTA event carrying the ops and base version is published.
func (s *SharedState) Patch(threadID string, ops []PatchOp, baseVersion int) (json.RawMessage, int, error) {
	if len(ops) == 0 {
		return nil, 0, fmt.Errorf("state: empty patch")
	}

	ts, err := s.db.GetThreadState(threadID)
	if err != nil {
		return nil, 0, err
	}
	if ts.Version != baseVersion {
		return nil, 0, &storage.ErrVersionConflict{ThreadID: threadID, CurrentVersion: ts.Version}
	}

	var doc any
	if err := json.Unmarshal([]byte(ts.State), &doc); err != nil {
		return nil, 0, fmt.Errorf("state: decode document: %w", err)
	}

	for i, op := range ops {
		doc, err = applyOp(doc, op)
		if err != nil {
			return nil, 0, fmt.Errorf("state: op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}

	patched, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("state: encode document: %w", err)
	}

	updated, err := s.db.CompareAndSwapThreadState(threadID, patched, baseVersion)
	if err != nil {
		return nil, 0, err
	}

	ev := newEvent(EventStateDelta, threadID, "")
	ev.StateDelta = ops
	ev.BaseVersion = baseVersion
	ev.Version = updated.Version
	s.publish(ev)

	logger.Debug().
		Str("thread_id", threadID).
		Int("base_version", baseVersion).
		Int("version", updated.Version).
		Int("ops", len(ops)).
		Msg("Shared state patched")

	return patched, updated.Version, nil
}

func (s *SharedState) publish(ev Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

// applyOp applies a single JSON Patch operation.
func applyOp(doc any, op PatchOp) (any, error) {
	switch op.Op {
	case "add", "replace":
		var value any
		if err := json.Unmarshal(op.Value, &value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return setPath(doc, splitPath(op.Path), value, op.Op == "add")

	case "remove":
		updated, _, err := removePath(doc, splitPath(op.Path))
		return updated, err

	case "move":
		updated, moved, err := removePath(doc, splitPath(op.From))
		if err != nil {
			return nil, err
		}
		return setPath(updated, splitPath(op.Path), moved, true)

	default:
		return nil, fmt.Errorf("unsupported op %q", op.Op)
	}
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}

func setPath(doc any, path []string, value any, createMissing bool) (any, error) {
	if len(path) == 0 {
		return value, nil
	}

	key, rest := path[0], path[1:]

	switch node := doc.(type) {
	case map[string]any:
		if len(rest) == 0 {
			node[key] = value
			return node, nil
		}
		child, ok := node[key]
		if !ok {
			if !createMissing {
				return nil, fmt.Errorf("path element %q not found", key)
			}
			child = map[string]any{}
		}
		updated, err := setPath(child, rest, value, createMissing)
		if err != nil {
			return nil, err
		}
		node[key] = updated
		return node, nil

	case []any:
		idx, err := arrayIndex(key, len(node), true)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			if idx == len(node) {
				return append(node, value), nil
			}
			node[idx] = value
			return node, nil
		}
		if idx == len(node) {
			return nil, fmt.Errorf("index %q out of range", key)
		}
		updated, err := setPath(node[idx], rest, value, createMissing)
		if err != nil {
			return nil, err
		}
		node[idx] = updated
		return node, nil

	case nil:
		if !createMissing {
			return nil, fmt.Errorf("path element %q not found", key)
		}
		child := map[string]any{}
		updated, err := setPath(child, path, value, createMissing)
		if err != nil {
			return nil, err
		}
		return updated, nil

	default:
		return nil, fmt.Errorf("cannot descend into scalar at %q", key)
	}
}

func removePath(doc any, path []string) (any, any, error) {
	if len(path) == 0 {
		return nil, doc, nil
	}

	key, rest := path[0], path[1:]

	switch node := doc.(type) {
	case map[string]any:
		child, ok := node[key]
		if !ok {
			return nil, nil, fmt.Errorf("path element %q not found", key)
		}
		if len(rest) == 0 {
			delete(node, key)
			return node, child, nil
		}
		updated, removed, err := removePath(child, rest)
		if err != nil {
			return nil, nil, err
		}
		node[key] = updated
		return node, removed, nil

	case []any:
		idx, err := arrayIndex(key, len(node), false)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) == 0 {
			removed := node[idx]
			return append(node[:idx], node[idx+1:]...), removed, nil
		}
		updated, removed, err := removePath(node[idx], rest)
		if err != nil {
			return nil, nil, err
		}
		node[idx] = updated
		return node, removed, nil

	default:
		return nil, nil, fmt.Errorf("cannot descend into scalar at %q", key)
	}
}

func arrayIndex(key string, length int, allowAppend bool) (int, error) {
	if key == "-" && allowAppend {
		return length, nil
	}
	idx, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", key)
	}
	max := length
	if !allowAppend {
		max = length - 1
	}
	if idx < 0 || idx > max {
		return 0, fmt.Errorf("index %d out of range", idx)
	}
	return idx, nil
}
