package jobs

import (
	"encoding/json"
	"sync"
	"time"
)

// SequenceOfOperationsJobType identifies the pipeline job.
const SequenceOfOperationsJobType = "SequenceOfOperations"

// Operation is one node of a SequenceOfOperationsJob pipeline: it
// consumes one input and produces the outputs forwarded to its
// downstream operations.
type Operation interface {
	Apply(jobID string, input any) ([]any, error)
}

// opNode pairs an operation with its input queue and downstream targets.
type opNode struct {
	op     Operation
	inputs []any
	next   []int
}

// SequenceOfOperationsJob runs a pipeline of operations whose tail can be
// extended while the job is running. When no input is available the job
// sleeps for the trailing timeout, waiting for new work, before declaring
// itself done.
type SequenceOfOperationsJob struct {
	mu              sync.Mutex
	ops             []*opNode
	trailingTimeout time.Duration
	closed          bool
	wake            chan struct{}
}

// NewSequenceOfOperationsJob builds an empty pipeline.
func NewSequenceOfOperationsJob(trailingTimeout time.Duration) *SequenceOfOperationsJob {
	if trailingTimeout <= 0 {
		trailingTimeout = time.Second
	}
	return &SequenceOfOperationsJob{
		trailingTimeout: trailingTimeout,
		wake:            make(chan struct{}, 1),
	}
}

// AddOperation appends an operation to the pipeline tail, optionally
// connecting it downstream of earlier operations. It returns the new
// operation's index. Legal while the job is running.
func (j *SequenceOfOperationsJob) AddOperation(op Operation, upstream ...int) int {
	j.mu.Lock()
	idx := len(j.ops)
	j.ops = append(j.ops, &opNode{op: op})
	for _, u := range upstream {
		if u >= 0 && u < idx {
			j.ops[u].next = append(j.ops[u].next, idx)
		}
	}
	j.mu.Unlock()
	j.signal()
	return idx
}

// AddInput feeds one value to an operation's input queue.
func (j *SequenceOfOperationsJob) AddInput(opIndex int, input any) {
	j.mu.Lock()
	if opIndex >= 0 && opIndex < len(j.ops) {
		j.ops[opIndex].inputs = append(j.ops[opIndex].inputs, input)
	}
	j.mu.Unlock()
	j.signal()
}

// Close marks the pipeline complete: once the queues drain the job
// succeeds without waiting out the trailing timeout.
func (j *SequenceOfOperationsJob) Close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	j.signal()
}

// AwakeTrailingSleep interrupts the trailing wait so the job re-examines
// its queues immediately.
func (j *SequenceOfOperationsJob) AwakeTrailingSleep() {
	j.signal()
}

func (j *SequenceOfOperationsJob) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Start implements Job.
func (j *SequenceOfOperationsJob) Start() error { return nil }

// Step consumes one input from the first operation that has work,
// forwarding the outputs downstream. With all queues empty it waits up to
// the trailing timeout for appends before succeeding.
func (j *SequenceOfOperationsJob) Step(jobID string) StepResult {
	j.mu.Lock()
	for _, node := range j.ops {
		if len(node.inputs) == 0 {
			continue
		}
		input := node.inputs[0]
		node.inputs = node.inputs[1:]
		op := node.op
		targets := append([]int(nil), node.next...)
		j.mu.Unlock()

		outputs, err := op.Apply(jobID, input)
		if err != nil {
			return StepResult{Status: StepFailure, Err: err}
		}

		j.mu.Lock()
		for _, target := range targets {
			if target < len(j.ops) {
				j.ops[target].inputs = append(j.ops[target].inputs, outputs...)
			}
		}
		j.mu.Unlock()
		return StepResult{Status: StepContinue}
	}
	closed := j.closed
	j.mu.Unlock()

	if closed {
		return StepResult{Status: StepSuccess}
	}
	select {
	case <-j.wake:
		return StepResult{Status: StepContinue}
	case <-time.After(j.trailingTimeout):
		return StepResult{Status: StepSuccess}
	}
}

// Reset drains the queues.
func (j *SequenceOfOperationsJob) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, node := range j.ops {
		node.inputs = nil
	}
}

// Stop implements Job.
func (j *SequenceOfOperationsJob) Stop(reason StopReason) {}

// Progress is indeterminate for an open pipeline.
func (j *SequenceOfOperationsJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		pending := 0
		for _, node := range j.ops {
			pending += len(node.inputs)
		}
		if pending == 0 {
			return 1
		}
	}
	return 0
}

// JobType implements Job.
func (j *SequenceOfOperationsJob) JobType() string { return SequenceOfOperationsJobType }

// PublicContent implements Job.
func (j *SequenceOfOperationsJob) PublicContent() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	pending := 0
	for _, node := range j.ops {
		pending += len(node.inputs)
	}
	return map[string]any{
		"operations": len(j.ops),
		"pending":    pending,
		"closed":     j.closed,
	}
}

// Serialize implements Job. Open pipelines hold caller-provided closures
// and live queues, so they do not survive a restart.
func (j *SequenceOfOperationsJob) Serialize() (json.RawMessage, bool) {
	return nil, false
}
