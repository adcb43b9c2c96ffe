package types

import "time"

// Level identifies the position of a resource in the hierarchy.
type Level string

// Hierarchy levels, top to bottom.
const (
	LevelPatient  Level = "patient"
	LevelStudy    Level = "study"
	LevelSeries   Level = "series"
	LevelInstance Level = "instance"
)

// AllLevels lists the levels in descending order, patient first.
var AllLevels = []Level{LevelPatient, LevelStudy, LevelSeries, LevelInstance}

// validLevels is the set of recognized level values.
var validLevels = map[Level]bool{
	LevelPatient:  true,
	LevelStudy:    true,
	LevelSeries:   true,
	LevelInstance: true,
}

// IsValidLevel reports whether l is one of the four hierarchy levels.
func IsValidLevel(l Level) bool {
	return validLevels[l]
}

// Depth returns 0 for patient through 3 for instance, or -1 if unknown.
func (l Level) Depth() int {
	switch l {
	case LevelPatient:
		return 0
	case LevelStudy:
		return 1
	case LevelSeries:
		return 2
	case LevelInstance:
		return 3
	default:
		return -1
	}
}

// Parent returns the level above l. Patient has no parent; the second
// return value is false in that case.
func (l Level) Parent() (Level, bool) {
	switch l {
	case LevelStudy:
		return LevelPatient, true
	case LevelSeries:
		return LevelStudy, true
	case LevelInstance:
		return LevelSeries, true
	default:
		return "", false
	}
}

// Child returns the level below l. Instance has no child; the second
// return value is false in that case.
func (l Level) Child() (Level, bool) {
	switch l {
	case LevelPatient:
		return LevelStudy, true
	case LevelStudy:
		return LevelSeries, true
	case LevelSeries:
		return LevelInstance, true
	default:
		return "", false
	}
}

// Resource is one row of the hierarchy as read back from the index.
type Resource struct {
	InternalID int64     // Dense integer, private to the index.
	PublicID   string    // Stable hash of the identity chain.
	Level      Level     // Position in the hierarchy.
	ParentID   *int64    // Nil iff Level == LevelPatient.
	CreatedAt  time.Time // Timestamp of creation.
}
