package jobs

import (
	"context"
	"encoding/json"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// MoveScuJobType identifies C-MOVE retrieval jobs.
const MoveScuJobType = "DicomMoveScu"

// MoveScuJob issues one C-MOVE per prior query answer, asking the remote
// modality to send the matches to the target AET.
type MoveScuJob struct {
	*SetOfCommandsJob
	client    DicomClient
	remote    RemoteModality
	targetAET string
	level     types.Level
}

// NewMoveScuJob builds a retrieval job over the answers of a completed
// query (typically from the query-retrieve archive).
func NewMoveScuJob(client DicomClient, remote RemoteModality, targetAET string, level types.Level, answers []QueryAnswer, permissive bool) *MoveScuJob {
	j := &MoveScuJob{
		SetOfCommandsJob: NewSetOfCommandsJob(MoveScuJobType, "move from "+remote.AET, permissive, nil),
		client:           client,
		remote:           remote,
		targetAET:        targetAET,
		level:            level,
	}
	for _, a := range answers {
		j.Add(&moveScuCommand{job: j, Identifiers: a})
	}
	return j
}

// moveScuPayload wraps the template state with the association details.
type moveScuPayload struct {
	Remote    RemoteModality  `json:"remote"`
	TargetAET string          `json:"targetAet"`
	Level     types.Level     `json:"level"`
	Template  json.RawMessage `json:"template"`
}

// Serialize implements Job.
func (j *MoveScuJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(moveScuPayload{
		Remote:    j.remote,
		TargetAET: j.targetAET,
		Level:     j.level,
		Template:  template,
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

// MoveScuUnserializer rebuilds MoveScuJob instances.
func MoveScuUnserializer(client DicomClient) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p moveScuPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &MoveScuJob{
			client:    client,
			remote:    p.Remote,
			targetAET: p.TargetAET,
			level:     p.Level,
		}
		base, err := UnserializeSetOfCommands(p.Template, MoveScuJobType, func(raw json.RawMessage) (Command, error) {
			var c moveScuCommand
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			c.job = j
			return &c, nil
		}, nil)
		if err != nil {
			return nil, err
		}
		j.SetOfCommandsJob = base
		return j, nil
	}
}

// moveScuCommand retrieves one answer.
type moveScuCommand struct {
	job         *MoveScuJob
	Identifiers QueryAnswer `json:"identifiers"`
}

func (c *moveScuCommand) Execute(jobID string) error {
	return c.job.client.Move(context.Background(), c.job.remote,
		c.job.targetAET, c.job.level, c.Identifiers)
}

func (c *moveScuCommand) Serialize() (json.RawMessage, error) {
	return json.Marshal(c)
}
