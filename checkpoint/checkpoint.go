// Package checkpoint persists the progress of long-running multi-step tasks so
// that an interrupted campaign resumes without redoing completed work.
//
// Each checkpoint owns a primary store file and a transient backup file. A
// write copies the primary to the backup, overwrites the primary and finally
// removes the backup, so a crash at any point leaves either the new record or
// the previous one readable.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/deepnoodle-ai/campaign/internal/fsutil"
)

// Keys of the checkpoint store object.
const (
	AggregatedTimeKey = "AGGREGATED_TIME"
	DetailedTimeKey   = "DETAILED_TIME"
	CheckpointDataKey = "CHECKPOINT_DATA"
)

var (
	// ErrCorrupt is returned when no trustworthy record can be read.
	ErrCorrupt = errors.New("checkpoint store is corrupt")

	// ErrStaleDeclined is returned when the primary store is unreadable and
	// recovery from the backup was not confirmed.
	ErrStaleDeclined = errors.New("checkpoint backup recovery declined")

	// ErrInvalidState is returned for a forbidden state transition.
	ErrInvalidState = errors.New("invalid checkpoint state transition")
)

// State of a checkpointed task.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateCompleted  State = "completed"
)

// Record is the decoded content of a checkpoint store.
type Record struct {
	AggregatedTime time.Duration
	DetailedTime   json.RawMessage
	State          State
	// Payload is the resume position, nil when the store holds a sentinel.
	Payload json.RawMessage
}

// Options configures a checkpoint.
type Options struct {
	// Path of the primary store file (required).
	Path string

	// BackupPath of the transient backup file. Defaults to Path + ".backup".
	BackupPath string

	// FileSystem used for all store operations. Defaults to the OS.
	FileSystem fsutil.FileSystem

	// Confirmer decides whether a backup may be trusted when the primary is
	// unreadable. Defaults to refusing.
	Confirmer Confirmer

	Logger *slog.Logger
}

// Persistent tracks start, finish and elapsed time of one logical task and
// stores an opaque resume payload.
type Persistent struct {
	id         string
	path       string
	backupPath string
	fs         fsutil.FileSystem
	confirmer  Confirmer
	logger     *slog.Logger
	graph      *Graph

	mutex        sync.Mutex
	state        State
	aggregated   time.Duration
	startTime    time.Time
	detailedTime json.RawMessage
}

// New returns a standalone checkpoint without dependents. The current state
// is loaded from the store.
func New(opts Options) (*Persistent, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	return NewGraph().Register(opts.Path, opts)
}

// Remove deletes the stores described by opts without reading them, so it
// also discards a checkpoint too corrupt to load.
func Remove(opts Options) error {
	opts, err := withStoreDefaults(opts)
	if err != nil {
		return err
	}
	if err := opts.FileSystem.Remove(opts.BackupPath); err != nil {
		return fmt.Errorf("failed to remove checkpoint backup: %w", err)
	}
	if err := opts.FileSystem.Remove(opts.Path); err != nil {
		return fmt.Errorf("failed to remove checkpoint store: %w", err)
	}
	return nil
}

func withStoreDefaults(opts Options) (Options, error) {
	if opts.Path == "" {
		return opts, fmt.Errorf("checkpoint path is required")
	}
	if opts.BackupPath == "" {
		opts.BackupPath = opts.Path + ".backup"
	}
	if opts.BackupPath == opts.Path {
		return opts, fmt.Errorf("checkpoint backup path must differ from %q", opts.Path)
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fsutil.OSFileSystem{}
	}
	return opts, nil
}

func newPersistent(id string, graph *Graph, opts Options) (*Persistent, error) {
	opts, err := withStoreDefaults(opts)
	if err != nil {
		return nil, err
	}
	if opts.Confirmer == nil {
		opts.Confirmer = AutoConfirmer(false)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Persistent{
		id:         id,
		path:       opts.Path,
		backupPath: opts.BackupPath,
		fs:         opts.FileSystem,
		confirmer:  opts.Confirmer,
		logger:     opts.Logger.With("checkpoint", id),
		graph:      graph,
		state:      StateNotStarted,
	}
	record, err := p.Read()
	if err != nil {
		return nil, err
	}
	p.apply(record)
	return p, nil
}

// ID returns the checkpoint identifier within its graph.
func (p *Persistent) ID() string {
	return p.id
}

// State returns the in-memory task state.
func (p *Persistent) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.state
}

// IsFinished reports whether the task completed.
func (p *Persistent) IsFinished() bool {
	return p.State() == StateCompleted
}

// Elapsed returns the aggregated execution time, including the time spent
// since the task was (re)started in this process.
func (p *Persistent) Elapsed() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.elapsed()
}

func (p *Persistent) elapsed() time.Duration {
	if p.startTime.IsZero() {
		return p.aggregated
	}
	return p.aggregated + time.Since(p.startTime)
}

// Restart resets every dependent, then this checkpoint, to a fresh start.
func (p *Persistent) Restart() error {
	for _, dep := range p.graph.descendants(p.id) {
		if err := dep.restartSelf(); err != nil {
			return fmt.Errorf("failed to restart dependent checkpoint %q: %w", dep.id, err)
		}
	}
	return p.restartSelf()
}

func (p *Persistent) restartSelf() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.state = StateStarting
	p.aggregated = 0
	p.detailedTime = nil
	p.startTime = time.Now()
	return p.write(StateStarting, nil)
}

// LoadOrStart reads the stored record, resuming the task when one exists and
// starting it otherwise. It returns the stored payload (nil for sentinel
// states or a fresh start) and the detailed time.
func (p *Persistent) LoadOrStart() (payload, detailed json.RawMessage, err error) {
	record, err := p.Read()
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		if err := p.Restart(); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.apply(record)
	if p.state == StateStarting && p.startTime.IsZero() {
		p.startTime = time.Now()
	}
	p.logger.Debug("resuming checkpointed task",
		"state", p.state,
		"aggregated_time", p.aggregated)
	return record.Payload, record.DetailedTime, nil
}

// Write persists a resume payload for a started task. A nil payload stores
// the starting sentinel.
func (p *Persistent) Write(payload any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != StateStarting {
		return fmt.Errorf("%w: write while %s", ErrInvalidState, p.state)
	}
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint payload: %w", err)
		}
		data = encoded
	}
	return p.write(StateStarting, data)
}

// Finish marks a started task as completed.
func (p *Persistent) Finish(detailed any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.state != StateStarting {
		return fmt.Errorf("%w: finishing task %q while %s", ErrInvalidState, p.id, p.state)
	}
	if detailed != nil {
		encoded, err := json.Marshal(detailed)
		if err != nil {
			return fmt.Errorf("failed to marshal detailed time: %w", err)
		}
		p.detailedTime = encoded
	}
	if err := p.write(StateCompleted, nil); err != nil {
		return err
	}
	p.state = StateCompleted
	// write reads the start time, so it is cleared last
	p.aggregated = p.elapsed()
	p.startTime = time.Time{}
	return nil
}

// Destroy removes the stores of every dependent and of this checkpoint.
func (p *Persistent) Destroy() error {
	for _, dep := range p.graph.descendants(p.id) {
		if err := dep.destroySelf(); err != nil {
			return fmt.Errorf("failed to destroy dependent checkpoint %q: %w", dep.id, err)
		}
	}
	return p.destroySelf()
}

func (p *Persistent) destroySelf() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.fs.Remove(p.backupPath); err != nil {
		return fmt.Errorf("failed to remove checkpoint backup: %w", err)
	}
	if err := p.fs.Remove(p.path); err != nil {
		return fmt.Errorf("failed to remove checkpoint store: %w", err)
	}
	p.state = StateNotStarted
	p.aggregated = 0
	p.startTime = time.Time{}
	p.detailedTime = nil
	return nil
}

// IsDestroyed reports whether neither store file exists for this checkpoint
// and all of its dependents.
func (p *Persistent) IsDestroyed() bool {
	for _, dep := range p.graph.descendants(p.id) {
		if !dep.filesAbsent() {
			return false
		}
	}
	return p.filesAbsent()
}

func (p *Persistent) filesAbsent() bool {
	return !p.fs.Exists(p.path) && !p.fs.Exists(p.backupPath)
}

// Read loads the stored record. It returns nil when nothing is stored.
func (p *Persistent) Read() (*Record, error) {
	fields, source, err := p.load()
	if err != nil || fields == nil {
		return nil, err
	}
	for _, key := range []string{DetailedTimeKey, AggregatedTimeKey, CheckpointDataKey} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: %s does not contain %s", ErrCorrupt, source, key)
		}
	}

	var seconds float64
	if err := json.Unmarshal(fields[AggregatedTimeKey], &seconds); err != nil {
		return nil, fmt.Errorf("%w: %s has an invalid %s: %v", ErrCorrupt, source, AggregatedTimeKey, err)
	}
	record := &Record{
		AggregatedTime: time.Duration(seconds * float64(time.Second)),
		State:          StateStarting,
	}
	if detailed := fields[DetailedTimeKey]; !isNull(detailed) {
		record.DetailedTime = detailed
	}

	data := fields[CheckpointDataKey]
	var sentinel string
	if json.Unmarshal(data, &sentinel) == nil &&
		(sentinel == string(StateStarting) || sentinel == string(StateCompleted)) {
		record.State = State(sentinel)
	} else if !isNull(data) {
		record.Payload = data
	}
	return record, nil
}

// load returns the decoded store object and the file it came from. The
// backup is only used when the primary cannot be parsed and the confirmer
// agrees.
func (p *Persistent) load() (map[string]json.RawMessage, string, error) {
	primaryExists := p.fs.Exists(p.path)
	if primaryExists {
		fields, err := p.decodeFile(p.path)
		if err == nil {
			return fields, p.path, nil
		}
		p.logger.Warn("checkpoint store is unreadable", "path", p.path, "error", err)
	}
	if !p.fs.Exists(p.backupPath) {
		if primaryExists {
			return nil, "", fmt.Errorf("%w: %s is unreadable and no backup exists", ErrCorrupt, p.path)
		}
		return nil, "", nil
	}

	fields, err := p.decodeFile(p.backupPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: both %s and its backup are invalid", ErrCorrupt, p.path)
	}
	question := fmt.Sprintf("The checkpoint store %s is invalid but its backup is valid. Do you want to use the backup?", p.path)
	ok, err := p.confirmer.Confirm(question)
	if err != nil {
		return nil, "", fmt.Errorf("failed to confirm checkpoint recovery: %w", err)
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrStaleDeclined, p.path)
	}
	p.logger.Info("recovered checkpoint from backup", "path", p.backupPath)
	return fields, p.backupPath, nil
}

func (p *Persistent) decodeFile(path string) (map[string]json.RawMessage, error) {
	data, err := p.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("checkpoint store holds null")
	}
	return fields, nil
}

// write runs the copy, overwrite, delete sequence. Callers hold the mutex.
func (p *Persistent) write(state State, payload json.RawMessage) error {
	data := payload
	if data == nil {
		data, _ = json.Marshal(string(state))
	}
	detailed := p.detailedTime
	if detailed == nil {
		detailed = json.RawMessage("null")
	}
	encoded, err := json.MarshalIndent(map[string]json.RawMessage{
		AggregatedTimeKey: mustMarshalSeconds(p.elapsed()),
		DetailedTimeKey:   detailed,
		CheckpointDataKey: data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	// An unreadable primary must not replace a valid backup.
	backedUp := false
	if current, err := p.fs.ReadFile(p.path); err == nil && json.Valid(current) {
		if err := p.fs.WriteFile(p.backupPath, current, 0644); err != nil {
			return fmt.Errorf("failed to back up checkpoint: %w", err)
		}
		backedUp = true
	}
	if err := p.fs.WriteFile(p.path, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if backedUp {
		if err := p.fs.Remove(p.backupPath); err != nil {
			return fmt.Errorf("failed to remove checkpoint backup: %w", err)
		}
	}
	return nil
}

func (p *Persistent) apply(record *Record) {
	if record == nil {
		p.state = StateNotStarted
		p.aggregated = 0
		p.detailedTime = nil
		return
	}
	p.state = record.State
	p.aggregated = record.AggregatedTime
	p.detailedTime = record.DetailedTime
}

func mustMarshalSeconds(d time.Duration) json.RawMessage {
	encoded, _ := json.Marshal(d.Seconds())
	return encoded
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
