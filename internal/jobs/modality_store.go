package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// ModalityStoreJobType identifies C-STORE forwarding jobs.
const ModalityStoreJobType = "DicomModalityStore"

// ModalityStoreJob sends stored instances to a DICOM modality, one
// C-STORE per step, optionally requesting storage commitment once all
// instances are transmitted.
type ModalityStoreJob struct {
	*SetOfCommandsJob
	repo   *Repository
	client DicomClient
	remote RemoteModality

	mu       sync.Mutex
	sopClass []string
	sopUIDs  []string
	commit   bool
}

// NewModalityStoreJob builds a C-STORE job. With commitment enabled a
// trailing step asks the remote to take custody of everything sent.
func NewModalityStoreJob(repo *Repository, client DicomClient, remote RemoteModality, instances []string, permissive, commitment bool) *ModalityStoreJob {
	j := &ModalityStoreJob{
		repo:   repo,
		client: client,
		remote: remote,
		commit: commitment,
	}
	var trailing func(jobID string) error
	if commitment {
		trailing = j.requestCommitment
	}
	j.SetOfCommandsJob = NewSetOfCommandsJob(
		ModalityStoreJobType, "store to "+remote.AET, permissive, trailing)
	for _, id := range instances {
		j.Add(&modalityStoreCommand{job: j, Instance: id})
	}
	return j
}

// requestCommitment is the trailing step: one storage-commitment request
// covering every transmitted instance.
func (j *ModalityStoreJob) requestCommitment(jobID string) error {
	j.mu.Lock()
	classes := append([]string(nil), j.sopClass...)
	uids := append([]string(nil), j.sopUIDs...)
	j.mu.Unlock()
	if len(uids) == 0 {
		return nil
	}
	return j.client.RequestStorageCommitment(context.Background(), j.remote, classes, uids)
}

// modalityStorePayload wraps the template state with the remote.
type modalityStorePayload struct {
	Remote     RemoteModality  `json:"remote"`
	Commitment bool            `json:"commitment"`
	SopClass   []string        `json:"sopClassUids"`
	SopUIDs    []string        `json:"sopInstanceUids"`
	Template   json.RawMessage `json:"template"`
}

// Serialize implements Job.
func (j *ModalityStoreJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	j.mu.Lock()
	p := modalityStorePayload{
		Remote:     j.remote,
		Commitment: j.commit,
		SopClass:   j.sopClass,
		SopUIDs:    j.sopUIDs,
		Template:   template,
	}
	j.mu.Unlock()
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ModalityStoreUnserializer rebuilds ModalityStoreJob instances.
func ModalityStoreUnserializer(repo *Repository, client DicomClient) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p modalityStorePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &ModalityStoreJob{
			repo:     repo,
			client:   client,
			remote:   p.Remote,
			commit:   p.Commitment,
			sopClass: p.SopClass,
			sopUIDs:  p.SopUIDs,
		}
		var trailing func(jobID string) error
		if p.Commitment {
			trailing = j.requestCommitment
		}
		base, err := UnserializeSetOfCommands(p.Template, ModalityStoreJobType, func(raw json.RawMessage) (Command, error) {
			var c modalityStoreCommand
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			c.job = j
			return &c, nil
		}, trailing)
		if err != nil {
			return nil, err
		}
		j.SetOfCommandsJob = base
		return j, nil
	}
}

// modalityStoreCommand transmits one instance.
type modalityStoreCommand struct {
	job      *ModalityStoreJob
	Instance string `json:"instance"`
}

func (c *modalityStoreCommand) Execute(jobID string) error {
	data, err := c.job.repo.ReadInstance(c.Instance)
	if err != nil {
		return err
	}
	if err := c.job.client.Store(context.Background(), c.job.remote, data); err != nil {
		return err
	}

	// Remember the transmitted SOP identity for the commitment step and
	// the export audit log.
	summary, err := dicom.ParseSummary(data, 256)
	if err == nil {
		c.job.mu.Lock()
		c.job.sopClass = append(c.job.sopClass, summary.Get(types.TagSOPClassUID))
		c.job.sopUIDs = append(c.job.sopUIDs, summary.Get(types.TagSOPInstanceUID))
		c.job.mu.Unlock()

		patientID, studyUID, seriesUID, sopUID, _ := summary.IdentityChain()
		return c.job.repo.RecordExport(types.ExportedResource{
			Level:          types.LevelInstance,
			PublicID:       c.Instance,
			RemoteModality: c.job.remote.AET,
			PatientID:      patientID,
			StudyUID:       studyUID,
			SeriesUID:      seriesUID,
			SOPInstanceUID: sopUID,
		})
	}
	return nil
}

func (c *modalityStoreCommand) Serialize() (json.RawMessage, error) {
	return json.Marshal(c)
}
