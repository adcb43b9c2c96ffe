package jobs

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Command is one independent unit of work inside a SetOfCommandsJob.
type Command interface {
	// Execute performs the command. Errors terminate the job unless it is
	// permissive.
	Execute(jobID string) error
	// Serialize dumps the command for registry persistence.
	Serialize() (json.RawMessage, error)
}

// CommandUnserializer rebuilds one command from its serialized form.
type CommandUnserializer func(payload json.RawMessage) (Command, error)

// SetOfCommandsJob executes a vector of commands in order, one per step.
// An optional trailing step runs after the last command. In permissive
// mode a failed command is logged and skipped instead of failing the job.
type SetOfCommandsJob struct {
	mu          sync.Mutex
	typeName    string
	description string
	commands    []Command
	position    int
	permissive  bool
	trailing    func(jobID string) error
	trailingRun bool
	log         *logrus.Entry
}

// NewSetOfCommandsJob builds the template. trailing may be nil.
func NewSetOfCommandsJob(typeName, description string, permissive bool, trailing func(jobID string) error) *SetOfCommandsJob {
	return &SetOfCommandsJob{
		typeName:    typeName,
		description: description,
		permissive:  permissive,
		trailing:    trailing,
		log:         logrus.WithField("job-type", typeName),
	}
}

// Add appends a command. Allowed before the job starts and, for jobs that
// feed themselves, between steps.
func (j *SetOfCommandsJob) Add(c Command) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commands = append(j.commands, c)
}

// Start implements Job.
func (j *SetOfCommandsJob) Start() error { return nil }

// Step executes the next command, then the trailing step, then succeeds.
func (j *SetOfCommandsJob) Step(jobID string) StepResult {
	j.mu.Lock()
	if j.position < len(j.commands) {
		cmd := j.commands[j.position]
		j.position++
		permissive := j.permissive
		j.mu.Unlock()

		if err := cmd.Execute(jobID); err != nil {
			if permissive {
				j.log.WithField("job", jobID).WithError(err).Warn("command failed, permissive mode skips it")
				return StepResult{Status: StepContinue}
			}
			return StepResult{Status: StepFailure, Err: err}
		}
		return StepResult{Status: StepContinue}
	}

	if j.trailing != nil && !j.trailingRun {
		j.trailingRun = true
		j.mu.Unlock()
		if err := j.trailing(jobID); err != nil {
			return StepResult{Status: StepFailure, Err: err}
		}
		return StepResult{Status: StepSuccess}
	}
	j.mu.Unlock()
	return StepResult{Status: StepSuccess}
}

// Reset rewinds to the first command.
func (j *SetOfCommandsJob) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.position = 0
	j.trailingRun = false
}

// Stop implements Job. Commands hold no persistent IO.
func (j *SetOfCommandsJob) Stop(reason StopReason) {}

// Progress is position over count.
func (j *SetOfCommandsJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.commands) == 0 {
		return 1
	}
	return float64(j.position) / float64(len(j.commands))
}

// JobType implements Job.
func (j *SetOfCommandsJob) JobType() string { return j.typeName }

// PublicContent implements Job.
func (j *SetOfCommandsJob) PublicContent() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]any{
		"description": j.description,
		"position":    j.position,
		"count":       len(j.commands),
		"permissive":  j.permissive,
	}
}

// setOfCommandsPayload is the persisted form of the template state.
type setOfCommandsPayload struct {
	Description string            `json:"description"`
	Position    int               `json:"position"`
	Permissive  bool              `json:"permissive"`
	Commands    []json.RawMessage `json:"commands"`
}

// Serialize implements Job, round-tripping the command list.
func (j *SetOfCommandsJob) Serialize() (json.RawMessage, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := setOfCommandsPayload{
		Description: j.description,
		Position:    j.position,
		Permissive:  j.permissive,
	}
	for _, c := range j.commands {
		raw, err := c.Serialize()
		if err != nil {
			j.log.WithError(err).Debug("command not serializable")
			return nil, false
		}
		p.Commands = append(p.Commands, raw)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// UnserializeSetOfCommands rebuilds a SetOfCommandsJob, using cu for each
// command.
func UnserializeSetOfCommands(payload json.RawMessage, typeName string, cu CommandUnserializer, trailing func(jobID string) error) (*SetOfCommandsJob, error) {
	var p setOfCommandsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	j := NewSetOfCommandsJob(typeName, p.Description, p.Permissive, trailing)
	j.position = p.Position
	for _, raw := range p.Commands {
		c, err := cu(raw)
		if err != nil {
			return nil, err
		}
		j.commands = append(j.commands, c)
	}
	return j, nil
}
