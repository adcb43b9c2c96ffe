package types

import "time"

// ChangeKind names one mutation of the resource graph.
type ChangeKind string

// Change kinds recorded in the append-only change log.
const (
	ChangeNewInstance       ChangeKind = "NewInstance"
	ChangeNewSeries         ChangeKind = "NewSeries"
	ChangeNewStudy          ChangeKind = "NewStudy"
	ChangeNewPatient        ChangeKind = "NewPatient"
	ChangeStableSeries      ChangeKind = "StableSeries"
	ChangeStableStudy       ChangeKind = "StableStudy"
	ChangeStablePatient     ChangeKind = "StablePatient"
	ChangeCompletedSeries   ChangeKind = "CompletedSeries"
	ChangeAnonymizedStudy   ChangeKind = "AnonymizedStudy"
	ChangeAnonymizedSeries  ChangeKind = "AnonymizedSeries"
	ChangeAnonymizedPatient ChangeKind = "AnonymizedPatient"
	ChangeModifiedStudy     ChangeKind = "ModifiedStudy"
	ChangeModifiedSeries    ChangeKind = "ModifiedSeries"
	ChangeModifiedPatient   ChangeKind = "ModifiedPatient"
	ChangeUpdatedMetadata   ChangeKind = "UpdatedMetadata"
	ChangeUpdatedAttachment ChangeKind = "UpdatedAttachment"
	ChangeDeleted           ChangeKind = "Deleted"
)

// NewChangeKind returns the New{Level} change kind for a level.
func NewChangeKind(level Level) ChangeKind {
	switch level {
	case LevelPatient:
		return ChangeNewPatient
	case LevelStudy:
		return ChangeNewStudy
	case LevelSeries:
		return ChangeNewSeries
	default:
		return ChangeNewInstance
	}
}

// StableChangeKind returns the Stable{Level} change kind for a level.
// Instances never become stable; the second return value is false then.
func StableChangeKind(level Level) (ChangeKind, bool) {
	switch level {
	case LevelPatient:
		return ChangeStablePatient, true
	case LevelStudy:
		return ChangeStableStudy, true
	case LevelSeries:
		return ChangeStableSeries, true
	default:
		return "", false
	}
}

// Change is one entry of the append-only change log. Sequence numbers are
// strictly increasing and never reused.
type Change struct {
	Seq      int64      `json:"seq"`
	Kind     ChangeKind `json:"kind"`
	Level    Level      `json:"level"`
	PublicID string     `json:"publicId"`
	Date     time.Time  `json:"date"`
}

// ExportedResource is one entry of the outbound-transfer audit log.
type ExportedResource struct {
	Seq            int64     `json:"seq"`
	Level          Level     `json:"level"`
	PublicID       string    `json:"publicId"`
	RemoteModality string    `json:"remoteModality"`
	PatientID      string    `json:"patientId"`
	StudyUID       string    `json:"studyInstanceUid"`
	SeriesUID      string    `json:"seriesInstanceUid"`
	SOPInstanceUID string    `json:"sopInstanceUid"`
	Date           time.Time `json:"date"`
}
