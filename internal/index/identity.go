package index

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// publicID hashes the salt plus the identity chain up to a level into a
// 32-character hex string. The function is pure: the same instance
// ingested twice yields the same public ids, which is what drives
// deduplication.
func publicID(salt string, components ...string) string {
	sum := md5.Sum([]byte(salt + "|" + strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

// PatientPublicID derives the patient-level public id.
func PatientPublicID(salt, patientID string) string {
	return publicID(salt, patientID)
}

// StudyPublicID derives the study-level public id.
func StudyPublicID(salt, patientID, studyUID string) string {
	return publicID(salt, patientID, studyUID)
}

// SeriesPublicID derives the series-level public id.
func SeriesPublicID(salt, patientID, studyUID, seriesUID string) string {
	return publicID(salt, patientID, studyUID, seriesUID)
}

// InstancePublicID derives the instance-level public id.
func InstancePublicID(salt, patientID, studyUID, seriesUID, sopUID string) string {
	return publicID(salt, patientID, studyUID, seriesUID, sopUID)
}

// IdentityChain holds the four public ids of one instance's ancestry.
type IdentityChain struct {
	Patient  string
	Study    string
	Series   string
	Instance string
}

// DeriveChain computes all four public ids for an identity chain.
func DeriveChain(salt, patientID, studyUID, seriesUID, sopUID string) IdentityChain {
	return IdentityChain{
		Patient:  PatientPublicID(salt, patientID),
		Study:    StudyPublicID(salt, patientID, studyUID),
		Series:   SeriesPublicID(salt, patientID, studyUID, seriesUID),
		Instance: InstancePublicID(salt, patientID, studyUID, seriesUID, sopUID),
	}
}

// At returns the public id for a level.
func (c IdentityChain) At(level types.Level) string {
	switch level {
	case types.LevelPatient:
		return c.Patient
	case types.LevelStudy:
		return c.Study
	case types.LevelSeries:
		return c.Series
	default:
		return c.Instance
	}
}

// TagSignature renders the set of main-tag columns known to this process
// as a stable string. It is stored per resource so databases written by
// binaries with a different tag set can be detected on read.
func TagSignature(level types.Level) string {
	tags := types.MainTags[level]
	keys := make([]string, 0, len(tags))
	for _, t := range tags {
		keys = append(keys, t.String())
	}
	sort.Strings(keys)
	return string(level) + ":" + strings.Join(keys, ";")
}
