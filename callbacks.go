package campaign

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/campaign/matrix"
)

// Callbacks defines the callback interface for campaign events
type Callbacks interface {
	// Criterion-level callbacks
	BeforeCriterion(ctx context.Context, event *CriterionEvent)
	AfterCriterion(ctx context.Context, event *CriterionEvent)

	// Test-level callbacks, invoked around every single test execution of
	// the META pass
	BeforeTest(ctx context.Context, event *TestEvent)
	AfterTest(ctx context.Context, event *TestEvent)

	// ElementCompleted is invoked once a SEPARATED element row is written
	ElementCompleted(ctx context.Context, event *ElementEvent)
}

// Strategy names how a criterion is instrumented.
type Strategy string

const (
	StrategyMeta      Strategy = "meta"
	StrategySeparated Strategy = "separated"
)

// CriterionEvent provides context for criterion-level events
type CriterionEvent struct {
	RunID     string
	Criterion Criterion
	Strategy  Strategy
	// Resumed is true when the matrix was loaded from a previous run.
	Resumed   bool
	Rows      int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// TestEvent provides context for test execution events
type TestEvent struct {
	RunID     string
	Criteria  []Criterion
	Test      string
	Verdict   Verdict
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// ElementEvent provides context for element completion events
type ElementEvent struct {
	RunID     string
	Criterion Criterion
	Element   string
	Index     int
	Total     int
	Row       map[string]matrix.Cell
	Executed  int
	Duration  time.Duration
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (n *BaseCallbacks) BeforeCriterion(ctx context.Context, event *CriterionEvent) {
	// noop
}

func (n *BaseCallbacks) AfterCriterion(ctx context.Context, event *CriterionEvent) {
	// noop
}

func (n *BaseCallbacks) BeforeTest(ctx context.Context, event *TestEvent) {
	// noop
}

func (n *BaseCallbacks) AfterTest(ctx context.Context, event *TestEvent) {
	// noop
}

func (n *BaseCallbacks) ElementCompleted(ctx context.Context, event *ElementEvent) {
	// noop
}

// NewBaseCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseCallbacks() Callbacks {
	return &BaseCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeCriterion(ctx context.Context, event *CriterionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeCriterion(ctx, event)
	}
}

func (c *CallbackChain) AfterCriterion(ctx context.Context, event *CriterionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterCriterion(ctx, event)
	}
}

func (c *CallbackChain) BeforeTest(ctx context.Context, event *TestEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeTest(ctx, event)
	}
}

func (c *CallbackChain) AfterTest(ctx context.Context, event *TestEvent) {
	for _, callback := range c.callbacks {
		callback.AfterTest(ctx, event)
	}
}

func (c *CallbackChain) ElementCompleted(ctx context.Context, event *ElementEvent) {
	for _, callback := range c.callbacks {
		callback.ElementCompleted(ctx, event)
	}
}
