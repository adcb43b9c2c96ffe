package jobs

import (
	"encoding/json"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Job type identifiers for study restructuring.
const (
	SplitJobType = "SplitStudy"
	MergeJobType = "MergeStudy"
)

// SplitJob extracts series out of a study into a fresh study. Every
// instance is rewritten with deterministically remapped study, series and
// SOP UIDs, then the source series are deleted.
type SplitJob struct {
	*SetOfCommandsJob
	repo    *Repository
	seed    string
	sources []string
}

// NewSplitJob builds a split over the instances of the listed source
// series.
func NewSplitJob(repo *Repository, seed string, sourceSeries []string) (*SplitJob, error) {
	j := &SplitJob{repo: repo, seed: seed, sources: sourceSeries}
	j.SetOfCommandsJob = NewSetOfCommandsJob(SplitJobType, "split study", false, j.deleteSources)

	for _, series := range sourceSeries {
		instances, err := repo.ListInstances(series)
		if err != nil {
			return nil, err
		}
		for _, id := range instances {
			j.Add(&uidRewriteCommand{repo: repo, seed: seed, Instance: id})
		}
	}
	return j, nil
}

// deleteSources is the trailing step: the extracted series leave the
// original study.
func (j *SplitJob) deleteSources(jobID string) error {
	for _, series := range j.sources {
		if err := j.repo.Delete(series); err != nil {
			return err
		}
	}
	return nil
}

// splitPayload is the persisted job state.
type splitPayload struct {
	Seed     string          `json:"seed"`
	Sources  []string        `json:"sources"`
	Template json.RawMessage `json:"template"`
}

// Serialize implements Job.
func (j *SplitJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(splitPayload{Seed: j.seed, Sources: j.sources, Template: template})
	if err != nil {
		return nil, false
	}
	return data, true
}

// SplitUnserializer rebuilds SplitJob instances.
func SplitUnserializer(repo *Repository) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p splitPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &SplitJob{repo: repo, seed: p.Seed, sources: p.Sources}
		base, err := UnserializeSetOfCommands(p.Template, SplitJobType,
			uidRewriteUnserializer(repo, p.Seed, nil), j.deleteSources)
		if err != nil {
			return nil, err
		}
		j.SetOfCommandsJob = base
		return j, nil
	}
}

// MergeJob moves resources into an existing target study: instances are
// rewritten with the target's patient and study identity, series and SOP
// UIDs remapped, then the sources are deleted.
type MergeJob struct {
	*SetOfCommandsJob
	repo        *Repository
	seed        string
	targetStudy string
	sources     []string
}

// NewMergeJob builds a merge of the source resources (series or studies)
// into targetStudy.
func NewMergeJob(repo *Repository, seed, targetStudy string, sources []string) (*MergeJob, error) {
	target, err := repo.MainTags(targetStudy)
	if err != nil {
		return nil, err
	}
	patient, err := repo.ParentMainTags(targetStudy)
	if err != nil {
		return nil, err
	}

	// Rewritten instances must hash into the target study, so its whole
	// identity prefix is pinned, not just the study UID.
	pinned := map[string]string{}
	if uid := target[types.TagStudyInstanceUID]; uid != "" {
		pinned[types.TagStudyInstanceUID.String()] = uid
	}
	if id := patient[types.TagPatientID]; id != "" {
		pinned[types.TagPatientID.String()] = id
	}
	if name := patient[types.TagPatientName]; name != "" {
		pinned[types.TagPatientName.String()] = name
	}

	j := &MergeJob{repo: repo, seed: seed, targetStudy: targetStudy, sources: sources}
	j.SetOfCommandsJob = NewSetOfCommandsJob(MergeJobType, "merge into study", false, j.deleteSources)

	for _, source := range sources {
		instances, err := repo.ListInstances(source)
		if err != nil {
			return nil, err
		}
		for _, id := range instances {
			j.Add(&uidRewriteCommand{repo: repo, seed: seed, Instance: id, Pinned: pinned})
		}
	}
	return j, nil
}

func (j *MergeJob) deleteSources(jobID string) error {
	for _, source := range j.sources {
		if err := j.repo.Delete(source); err != nil {
			return err
		}
	}
	return nil
}

// mergePayload is the persisted job state.
type mergePayload struct {
	Seed        string          `json:"seed"`
	TargetStudy string          `json:"targetStudy"`
	Sources     []string        `json:"sources"`
	Template    json.RawMessage `json:"template"`
}

// Serialize implements Job.
func (j *MergeJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(mergePayload{
		Seed:        j.seed,
		TargetStudy: j.targetStudy,
		Sources:     j.sources,
		Template:    template,
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

// MergeUnserializer rebuilds MergeJob instances.
func MergeUnserializer(repo *Repository) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p mergePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &MergeJob{repo: repo, seed: p.Seed, targetStudy: p.TargetStudy, sources: p.Sources}
		base, err := UnserializeSetOfCommands(p.Template, MergeJobType,
			uidRewriteUnserializer(repo, p.Seed, nil), j.deleteSources)
		if err != nil {
			return nil, err
		}
		j.SetOfCommandsJob = base
		return j, nil
	}
}

// uidRewriteCommand rewrites one instance: pinned tags take their fixed
// values, study/series/SOP UIDs not pinned are remapped from the seed.
type uidRewriteCommand struct {
	repo     *Repository
	seed     string
	Instance string            `json:"instance"`
	Pinned   map[string]string `json:"pinned,omitempty"`
}

func (c *uidRewriteCommand) Execute(jobID string) error {
	data, err := c.repo.ReadInstance(c.Instance)
	if err != nil {
		return err
	}
	summary, err := dicom.ParseSummary(data, 256)
	if err != nil {
		return err
	}

	replace := make(map[types.Tag]string, len(c.Pinned)+3)
	for key, value := range c.Pinned {
		tag, err := types.ParseTag(key)
		if err != nil {
			return err
		}
		replace[tag] = value
	}
	for _, level := range []types.Level{
		types.LevelStudy, types.LevelSeries, types.LevelInstance,
	} {
		tag := types.IdentityTag(level)
		if _, pinned := replace[tag]; pinned {
			continue
		}
		if original := summary.Get(tag); original != "" {
			replace[tag] = MappedUID(c.seed, original)
		}
	}

	rewritten, err := dicom.ModifyFile(data, replace, nil)
	if err != nil {
		return err
	}
	result, err := c.repo.Store(rewritten, types.OriginPlugin)
	if err != nil {
		return err
	}
	return c.repo.SetMetadata(result.PublicID, types.MetaModifiedFrom, c.Instance)
}

func (c *uidRewriteCommand) Serialize() (json.RawMessage, error) {
	return json.Marshal(c)
}

// uidRewriteUnserializer restores rewrite commands, re-binding the
// repository and seed.
func uidRewriteUnserializer(repo *Repository, seed string, pinned map[string]string) CommandUnserializer {
	return func(raw json.RawMessage) (Command, error) {
		var c uidRewriteCommand
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.repo = repo
		c.seed = seed
		if c.Pinned == nil {
			c.Pinned = pinned
		}
		return &c, nil
	}
}
