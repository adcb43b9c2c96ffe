package jobs

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// ModificationJobType identifies tag rewrite jobs, anonymizing or not.
const ModificationJobType = "ResourceModification"

// MappedUID derives a deterministic replacement UID. The same (seed,
// original) pair always maps to the same UID, so two instances of one
// series land in the same rewritten series.
func MappedUID(seed, original string) string {
	sum := md5.Sum([]byte(seed + "|" + original))
	return "2.25." + new(big.Int).SetBytes(sum[:]).String()
}

// anonymizedTags are removed by the anonymization profile.
var anonymizedTags = []types.Tag{
	types.TagPatientBirthDate,
	types.TagStudyDate,
	types.TagStudyTime,
	types.TagAccessionNumber,
	types.TagInstitutionName,
	types.TagReferringPhysician,
}

// ModificationJob rewrites tags of every instance under a resource and
// re-stores the results as a new resource chain. UIDs at the job's level
// and below are remapped deterministically so the rewritten chain never
// collides with the source.
type ModificationJob struct {
	*SetOfCommandsJob
	repo      *Repository
	level     types.Level
	seed      string
	anonymize bool
	replace   map[string]string
	remove    []string

	rootMu   sync.Mutex
	lastRoot string
}

// NewModificationJob builds a rewrite job. seed drives the UID mapping;
// using the job id gives each run fresh UIDs, while a caller-fixed seed
// makes reruns idempotent. replace maps "gggg,eeee" to new values.
func NewModificationJob(repo *Repository, level types.Level, seed string, instances []string, replace map[string]string, remove []string, anonymize bool) *ModificationJob {
	description := "modify"
	if anonymize {
		description = "anonymize"
	}
	j := &ModificationJob{
		repo:      repo,
		level:     level,
		seed:      seed,
		anonymize: anonymize,
		replace:   replace,
		remove:    remove,
	}
	j.SetOfCommandsJob = NewSetOfCommandsJob(ModificationJobType, description, false, j.announce)
	for _, id := range instances {
		j.Add(&modifyCommand{job: j, Instance: id})
	}
	return j
}

// announce is the trailing step: one Modified/Anonymized change at the
// job's level, for the rewritten root.
func (j *ModificationJob) announce(jobID string) error {
	root := j.rewrittenRoot()
	if root == "" {
		return nil
	}
	kind := modifiedChangeKind(j.level, j.anonymize)
	if kind == "" {
		return nil
	}
	return j.repo.LogChange(kind, j.level, root)
}

// rewrittenRoot finds the public id of the rewritten resource at the
// job's level from the last stored instance.
func (j *ModificationJob) rewrittenRoot() string {
	j.rootMu.Lock()
	defer j.rootMu.Unlock()
	return j.lastRoot
}

func modifiedChangeKind(level types.Level, anonymize bool) types.ChangeKind {
	switch level {
	case types.LevelPatient:
		if anonymize {
			return types.ChangeAnonymizedPatient
		}
		return types.ChangeModifiedPatient
	case types.LevelStudy:
		if anonymize {
			return types.ChangeAnonymizedStudy
		}
		return types.ChangeModifiedStudy
	case types.LevelSeries:
		if anonymize {
			return types.ChangeAnonymizedSeries
		}
		return types.ChangeModifiedSeries
	default:
		return ""
	}
}

// rewrite computes the tag edits for one source file and re-stores it.
func (j *ModificationJob) rewrite(source string, data []byte) error {
	summary, err := dicom.ParseSummary(data, 256)
	if err != nil {
		return err
	}

	replace := make(map[types.Tag]string, len(j.replace)+4)
	for key, value := range j.replace {
		tag, err := types.ParseTag(key)
		if err != nil {
			return err
		}
		replace[tag] = value
	}

	var remove []types.Tag
	for _, key := range j.remove {
		tag, err := types.ParseTag(key)
		if err != nil {
			return err
		}
		remove = append(remove, tag)
	}

	// Remap the identity UIDs from the job's level downward, unless the
	// caller pinned them explicitly.
	remapFrom := j.level.Depth()
	for _, level := range []types.Level{
		types.LevelPatient, types.LevelStudy, types.LevelSeries, types.LevelInstance,
	} {
		if level.Depth() < remapFrom {
			continue
		}
		tag := types.IdentityTag(level)
		if _, pinned := replace[tag]; pinned {
			continue
		}
		if original := summary.Get(tag); original != "" {
			replace[tag] = MappedUID(j.seed, original)
		}
	}

	if j.anonymize {
		if _, pinned := replace[types.TagPatientName]; !pinned {
			replace[types.TagPatientName] = "Anonymized"
		}
		for _, tag := range anonymizedTags {
			if _, pinned := replace[tag]; !pinned {
				remove = append(remove, tag)
			}
		}
	}

	rewritten, err := dicom.ModifyFile(data, replace, remove)
	if err != nil {
		return err
	}
	result, err := j.repo.Store(rewritten, types.OriginPlugin)
	if err != nil {
		return err
	}
	if result.Status != types.StoreSuccess && result.Status != types.StoreAlreadyStored {
		return fmt.Errorf("rewritten instance rejected: %s", result.Status)
	}

	provenance := types.MetaModifiedFrom
	if j.anonymize {
		provenance = types.MetaAnonymizedFrom
	}
	if err := j.repo.SetMetadata(result.PublicID, provenance, source); err != nil {
		return err
	}

	j.rootMu.Lock()
	j.lastRoot = result.Chain.At(j.level)
	j.rootMu.Unlock()
	return nil
}

// modificationPayload is the persisted job state.
type modificationPayload struct {
	Level     types.Level       `json:"level"`
	Seed      string            `json:"seed"`
	Anonymize bool              `json:"anonymize"`
	Replace   map[string]string `json:"replace,omitempty"`
	Remove    []string          `json:"remove,omitempty"`
	LastRoot  string            `json:"lastRoot,omitempty"`
	Template  json.RawMessage   `json:"template"`
}

// Serialize implements Job.
func (j *ModificationJob) Serialize() (json.RawMessage, bool) {
	template, ok := j.SetOfCommandsJob.Serialize()
	if !ok {
		return nil, false
	}
	j.rootMu.Lock()
	p := modificationPayload{
		Level:     j.level,
		Seed:      j.seed,
		Anonymize: j.anonymize,
		Replace:   j.replace,
		Remove:    j.remove,
		LastRoot:  j.lastRoot,
		Template:  template,
	}
	j.rootMu.Unlock()
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ModificationUnserializer rebuilds ModificationJob instances.
func ModificationUnserializer(repo *Repository) Unserializer {
	return func(payload json.RawMessage) (Job, error) {
		var p modificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		j := &ModificationJob{
			repo:      repo,
			level:     p.Level,
			seed:      p.Seed,
			anonymize: p.Anonymize,
			replace:   p.Replace,
			remove:    p.Remove,
		}
		j.lastRoot = p.LastRoot
		base, err := UnserializeSetOfCommands(p.Template, ModificationJobType, func(raw json.RawMessage) (Command, error) {
			var c modifyCommand
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			c.job = j
			return &c, nil
		}, j.announce)
		if err != nil {
			return nil, err
		}
		j.SetOfCommandsJob = base
		return j, nil
	}
}

// modifyCommand rewrites one instance.
type modifyCommand struct {
	job      *ModificationJob
	Instance string `json:"instance"`
}

func (c *modifyCommand) Execute(jobID string) error {
	data, err := c.job.repo.ReadInstance(c.Instance)
	if err != nil {
		return err
	}
	return c.job.rewrite(c.Instance, data)
}

func (c *modifyCommand) Serialize() (json.RawMessage, error) {
	return json.Marshal(c)
}
