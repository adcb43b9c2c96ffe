package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mesh-intelligence/dicomvault/internal/peers"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// PeerStoreJobType identifies HTTP forwarding jobs.
const PeerStoreJobType = "PeerStore"

// PeerStoreJob forwards stored instances to a remote peer over HTTP, one
// POST per step.
type PeerStoreJob struct {
	*SetOfCommandsJob
	repo    *Repository
	client  *peers.Client
	timeout time.Duration
}

// NewPeerStoreJob builds a forwarding job for the given instance public
// ids.
func NewPeerStoreJob(repo *Repository, peer peers.Peer, timeout time.Duration, instances []string, permissive bool) *PeerStoreJob {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	j := &PeerStoreJob{
		SetOfCommandsJob: NewSetOfCommandsJob(PeerStoreJobType, "forward to "+peer.Name, permissive, nil),
		repo:             repo,
		client:           peers.NewClient(peer, timeout),
		timeout:          timeout,
	}
	for _, id := range instances {
		j.Add(&peerStoreCommand{job: j, Instance: id})
	}
	return j
}

// peerStorePayload wraps the template state with the peer descriptor.
type peerStorePayload struct {
	Peer     peers.Peer      `json:"peer"`
	Timeout  time.Duration   `json:"timeout"`
	Template json.RawMessage `json:"template"`
}

// Serialize implements Job.
func (j *PeerStoreJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(peerStorePayload{
		Peer:     j.client.Peer(),
		Timeout:  j.timeout,
		Template: template,
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

// PeerStoreUnserializer rebuilds PeerStoreJob instances for the engine
// registry.
func PeerStoreUnserializer(repo *Repository) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p peerStorePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &PeerStoreJob{
			repo:    repo,
			client:  peers.NewClient(p.Peer, p.Timeout),
			timeout: p.Timeout,
		}
		base, err := UnserializeSetOfCommands(p.Template, PeerStoreJobType, func(raw json.RawMessage) (Command, error) {
			var c peerStoreCommand
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

// peerStoreCommand POSTs one instance.
type peerStoreCommand struct {
	job      *PeerStoreJob
	Instance string `json:"instance"`
}

func (c *peerStoreCommand) Execute(jobID string) error {
	data, err := c.job.repo.ReadInstance(c.Instance)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.job.timeout)
	defer cancel()
	if _, err := c.job.client.StoreInstance(ctx, data); err != nil {
		return err
	}
	return c.job.repo.RecordExport(types.ExportedResource{
		Level:          types.LevelInstance,
		PublicID:       c.Instance,
		RemoteModality: c.job.client.Peer().Name,
	})
}

func (c *peerStoreCommand) Serialize() (json.RawMessage, error) {
	return json.Marshal(c)
}
