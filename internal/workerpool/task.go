package workerpool

import (
	"context"
	"fmt"
	"image/color"
	"time"

	"github.com/jmylchreest/vtcast/internal/models"
)

// Kind identifies the work a task asks for.
type Kind string

// Task kinds understood by render processors.
const (
	KindRender    Kind = "render"
	KindTransform Kind = "transform"
	KindComposite Kind = "composite"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindRender || k == KindTransform || k == KindComposite
}

// Priority orders tasks in the queue. Lower values are dequeued first.
type Priority int

// Priority tiers.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

const numPriorities = 3

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Options tunes how a task is rendered.
type Options struct {
	Background color.RGBA
}

// Payload carries the inputs of a task.
type Payload struct {
	Width   int
	Height  int
	Layers  []models.Asset
	Buffers [][]byte // RGBA buffers of Width x Height, composite only
	Options Options
}

// Task is a unit of render work.
type Task struct {
	ID       string
	Kind     Kind
	Priority Priority
	Payload  Payload
	BatchID  string
}

// ResultKind distinguishes successful and failed results.
type ResultKind string

// Result kinds.
const (
	ResultRendered ResultKind = "rendered"
	ResultError    ResultKind = "error"
)

// Metadata describes how a task was executed.
type Metadata struct {
	Duration    time.Duration
	MemoryDelta int64
	Priority    Priority
	WorkerID    string
	Attempts    int
	BatchID     string
}

// Result is the outcome of one task.
type Result struct {
	TaskID   string
	Kind     ResultKind
	Buffer   []byte
	Err      error
	Metadata Metadata
}

// OK reports whether the task rendered successfully.
func (r Result) OK() bool {
	return r.Kind == ResultRendered && r.Err == nil
}

// Processor executes tasks. Implementations must be safe for concurrent use.
type Processor interface {
	Process(ctx context.Context, task *Task) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *Task) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, task *Task) ([]byte, error) {
	return f(ctx, task)
}

func errorResult(task *Task, err error) Result {
	return Result{
		TaskID: task.ID,
		Kind:   ResultError,
		Err:    err,
		Metadata: Metadata{
			Priority: task.Priority,
			BatchID:  task.BatchID,
		},
	}
}
