package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrOutOfOrder is returned when steps are queried or marked out of
	// ascending id order.
	ErrOutOfOrder = errors.New("checkpoint step out of order")

	// ErrStepMismatch is returned when the stored position belongs to a
	// different step name.
	ErrStepMismatch = errors.New("checkpoint step name mismatch")
)

// StepKey addresses one step of a checkpointed task. Tool optionally
// narrows the step to one sub-tool.
type StepKey struct {
	Name string
	ID   int
	Tool string
}

func (k StepKey) String() string {
	if k.Tool == "" {
		return fmt.Sprintf("%s#%d", k.Name, k.ID)
	}
	return fmt.Sprintf("%s#%d/%s", k.Name, k.ID, k.Tool)
}

func (k StepKey) validate() error {
	if k.Name == "" {
		return fmt.Errorf("step name is required")
	}
	if k.ID < 1 {
		return fmt.Errorf("step id must be positive, got %d", k.ID)
	}
	return nil
}

// Position is the handler progress stored as the checkpoint payload.
type Position struct {
	Step     string   `json:"step"`
	ID       int      `json:"id"`
	Complete bool     `json:"complete"`
	Tools    []string `json:"tools,omitempty"`

	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadFor string          `json:"payload_for,omitempty"`
}

// Handler decides which steps of a task still need to run and stores the
// progress of the current one.
type Handler struct {
	cp          *Persistent
	mutex       sync.Mutex
	position    *Position
	lastQueried int
}

// NewHandler loads the position stored in cp, starting the task if nothing
// is stored.
func NewHandler(cp *Persistent) (*Handler, error) {
	payload, _, err := cp.LoadOrStart()
	if err != nil {
		return nil, err
	}
	h := &Handler{cp: cp}
	if payload != nil {
		var position Position
		if err := json.Unmarshal(payload, &position); err != nil {
			return nil, fmt.Errorf("%w: invalid handler position: %v", ErrCorrupt, err)
		}
		if position.Step == "" || position.ID < 1 {
			return nil, fmt.Errorf("%w: invalid handler position %s#%d", ErrCorrupt, position.Step, position.ID)
		}
		h.position = &position
	}
	return h, nil
}

// Checkpoint returns the underlying persistent checkpoint.
func (h *Handler) Checkpoint() *Persistent {
	return h.cp
}

// IsFinished reports whether the whole task completed.
func (h *Handler) IsFinished() bool {
	return h.cp.IsFinished()
}

// SetFinished marks the whole task completed.
func (h *Handler) SetFinished(detailed any) error {
	return h.cp.Finish(detailed)
}

// IsToExecute reports whether the step has not been marked done. Steps must
// be queried in ascending id order.
func (h *Handler) IsToExecute(key StepKey) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if key.ID < h.lastQueried {
		return false, fmt.Errorf("%w: step %s queried after step id %d", ErrOutOfOrder, key, h.lastQueried)
	}
	h.lastQueried = key.ID

	if h.cp.IsFinished() {
		return false, nil
	}
	pos := h.position
	if pos == nil {
		return true, nil
	}
	if key.Name != pos.Step {
		return false, fmt.Errorf("%w: stored %q, requested %q", ErrStepMismatch, pos.Step, key.Name)
	}
	switch {
	case key.ID < pos.ID:
		return false, nil
	case key.ID > pos.ID:
		return true, nil
	case pos.Complete:
		return false, nil
	case key.Tool == "":
		return true, nil
	default:
		return !slices.Contains(pos.Tools, key.Tool), nil
	}
}

// DoCheckpoint marks the step done and persists payload with it.
func (h *Handler) DoCheckpoint(key StepKey, payload any) error {
	return h.save(key, payload, true)
}

// SaveProgress persists payload for the step without marking it done.
func (h *Handler) SaveProgress(key StepKey, payload any) error {
	return h.save(key, payload, false)
}

// OptionalPayload returns the last payload persisted for key, or nil.
func (h *Handler) OptionalPayload(key StepKey) json.RawMessage {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.position == nil || h.position.PayloadFor != key.String() {
		return nil
	}
	return h.position.Payload
}

func (h *Handler) save(key StepKey, payload any, done bool) error {
	if err := key.validate(); err != nil {
		return err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()

	next := Position{Step: key.Name, ID: key.ID}
	if pos := h.position; pos != nil {
		if key.Name != pos.Step {
			return fmt.Errorf("%w: stored %q, checkpointing %q", ErrStepMismatch, pos.Step, key.Name)
		}
		if key.ID < pos.ID {
			return fmt.Errorf("%w: step %s checkpointed after step id %d", ErrOutOfOrder, key, pos.ID)
		}
		if key.ID == pos.ID {
			if pos.Complete {
				return fmt.Errorf("%w: step %s is already done", ErrOutOfOrder, key)
			}
			next.Tools = slices.Clone(pos.Tools)
		}
	}
	if done {
		if key.Tool == "" {
			next.Complete = true
		} else if !slices.Contains(next.Tools, key.Tool) {
			next.Tools = append(next.Tools, key.Tool)
		}
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal step payload: %w", err)
		}
		next.Payload = encoded
		next.PayloadFor = key.String()
	}

	if err := h.cp.Write(next); err != nil {
		return err
	}
	h.position = &next
	return nil
}
