package types

import "fmt"

// Tag is a DICOM tag: a 16-bit group and a 16-bit element.
type Tag struct {
	Group   uint16
	Element uint16
}

// String formats the tag as "(gggg,eeee)".
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Key returns the 32-bit packed form used for index ordering.
func (t Tag) Key() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

// ParseTag reads a "gggg,eeee" hex pair, with or without parentheses.
func ParseTag(s string) (Tag, error) {
	if len(s) > 1 && s[0] == '(' && s[len(s)-1] == ')' {
		s = s[1 : len(s)-1]
	}
	var group, element uint16
	if _, err := fmt.Sscanf(s, "%04x,%04x", &group, &element); err != nil {
		return Tag{}, fmt.Errorf("tag %q: %w", s, ErrParameterOutOfRange)
	}
	return Tag{Group: group, Element: element}, nil
}

// Tags of the identity chain and of the per-level main-tag subsets.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagInstitutionName      = Tag{0x0008, 0x0080}
	TagReferringPhysician   = Tag{0x0008, 0x0090}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}
	TagPatientName          = Tag{0x0010, 0x0010}
	TagPatientID            = Tag{0x0010, 0x0020}
	TagPatientBirthDate     = Tag{0x0010, 0x0030}
	TagPatientSex           = Tag{0x0010, 0x0040}
	TagBodyPartExamined     = Tag{0x0018, 0x0015}
	TagStudyInstanceUID     = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID    = Tag{0x0020, 0x000E}
	TagStudyID              = Tag{0x0020, 0x0010}
	TagSeriesNumber         = Tag{0x0020, 0x0011}
	TagInstanceNumber       = Tag{0x0020, 0x0013}
	TagImagesInAcquisition  = Tag{0x0020, 0x1002}
	TagNumberOfFrames       = Tag{0x0028, 0x0008}
	TagPixelData            = Tag{0x7FE0, 0x0010}
)

// MainTags lists the tags stored redundantly at each level. Ancestor tags
// are derivable from any descendant instance; ingestion writes them at
// every level so queries never have to descend.
var MainTags = map[Level][]Tag{
	LevelPatient: {
		TagPatientID, TagPatientName, TagPatientBirthDate, TagPatientSex,
	},
	LevelStudy: {
		TagStudyInstanceUID, TagStudyDate, TagStudyTime, TagStudyID,
		TagStudyDescription, TagAccessionNumber, TagInstitutionName,
		TagReferringPhysician,
	},
	LevelSeries: {
		TagSeriesInstanceUID, TagModality, TagSeriesNumber,
		TagSeriesDescription, TagBodyPartExamined,
	},
	LevelInstance: {
		TagSOPInstanceUID, TagInstanceNumber, TagNumberOfFrames,
	},
}

// IdentifierTags lists the subset of main tags that is additionally kept
// in the range-scannable identifier index. All *InstanceUID tags plus
// PatientID and AccessionNumber are always present.
var IdentifierTags = map[Level][]Tag{
	LevelPatient:  {TagPatientID},
	LevelStudy:    {TagStudyInstanceUID, TagAccessionNumber},
	LevelSeries:   {TagSeriesInstanceUID},
	LevelInstance: {TagSOPInstanceUID},
}

// IsIdentifierTag reports whether tag is in the identifier subset at level.
func IsIdentifierTag(level Level, tag Tag) bool {
	for _, t := range IdentifierTags[level] {
		if t == tag {
			return true
		}
	}
	return false
}

// IdentityTag returns the tag holding the identity component for a level:
// PatientID, StudyInstanceUID, SeriesInstanceUID or SOPInstanceUID.
func IdentityTag(level Level) Tag {
	switch level {
	case LevelPatient:
		return TagPatientID
	case LevelStudy:
		return TagStudyInstanceUID
	case LevelSeries:
		return TagSeriesInstanceUID
	default:
		return TagSOPInstanceUID
	}
}
