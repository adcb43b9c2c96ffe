// Package dicom implements the parser collaborator consumed by the
// ingestion pipeline and the modification jobs: tag-summary extraction
// from DICOM Part 10 buffers, transfer-syntax detection, pixel-data
// truncation, and tag rewrite with reserialization. Only the little-endian
// transfer syntaxes needed by the core are handled; pixel data is never
// interpreted.
package dicom

import (
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Transfer syntax UIDs understood by the parser.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// longVRs use the 12-byte element header (reserved bytes + 32-bit length).
var longVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true,
	"OW": true, "SQ": true, "UC": true, "UN": true, "UR": true,
	"UT": true,
}

// knownVRs maps the tags the core reads or writes to their VR. Unknown
// tags default to UN on parse and LO on encode.
var knownVRs = map[types.Tag]string{
	types.TagSpecificCharacterSet: "CS",
	types.TagSOPClassUID:          "UI",
	types.TagSOPInstanceUID:       "UI",
	types.TagStudyDate:            "DA",
	types.TagStudyTime:            "TM",
	types.TagAccessionNumber:      "SH",
	types.TagModality:             "CS",
	types.TagInstitutionName:      "LO",
	types.TagReferringPhysician:   "PN",
	types.TagStudyDescription:     "LO",
	types.TagSeriesDescription:    "LO",
	types.TagPatientName:          "PN",
	types.TagPatientID:            "LO",
	types.TagPatientBirthDate:     "DA",
	types.TagPatientSex:           "CS",
	types.TagBodyPartExamined:     "CS",
	types.TagStudyInstanceUID:     "UI",
	types.TagSeriesInstanceUID:    "UI",
	types.TagStudyID:              "SH",
	types.TagSeriesNumber:         "IS",
	types.TagInstanceNumber:       "IS",
	types.TagImagesInAcquisition:  "IS",
	types.TagNumberOfFrames:       "IS",
	types.TagPixelData:            "OW",
}

// vrFor returns the VR used when encoding a tag.
func vrFor(tag types.Tag) string {
	if vr, ok := knownVRs[tag]; ok {
		return vr
	}
	return "LO"
}

// Summary is the parsed view of one instance: a bounded tag-to-value map
// plus the transfer syntax found in the file meta header.
type Summary struct {
	Tags           map[types.Tag]string
	TransferSyntax string
}

// Get returns the value of a tag, or "" if absent.
func (s *Summary) Get(tag types.Tag) string {
	return s.Tags[tag]
}

// IdentityChain extracts the four identity components. The bool is false
// when any of them is missing or empty.
func (s *Summary) IdentityChain() (patientID, studyUID, seriesUID, sopUID string, ok bool) {
	patientID = s.Get(types.TagPatientID)
	studyUID = s.Get(types.TagStudyInstanceUID)
	seriesUID = s.Get(types.TagSeriesInstanceUID)
	sopUID = s.Get(types.TagSOPInstanceUID)
	ok = patientID != "" && studyUID != "" && seriesUID != "" && sopUID != ""
	return
}
