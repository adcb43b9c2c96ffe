package dicom

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// testTags returns a complete identity chain plus descriptive tags.
func testTags() map[types.Tag]string {
	return map[types.Tag]string{
		types.TagSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		types.TagSOPInstanceUID:    "1.2.3.4.5",
		types.TagSeriesInstanceUID: "1.2.3.4",
		types.TagStudyInstanceUID:  "1.2.3",
		types.TagPatientID:         "P1",
		types.TagPatientName:       "DOE^JOHN",
		types.TagModality:          "CT",
		types.TagStudyDescription:  "CT chest",
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	data := EncodeFile(testTags(), []byte{1, 2, 3, 4})

	if !HasPart10Header(data) {
		t.Fatal("encoded file lacks Part 10 header")
	}

	s, err := ParseSummary(data, 256)
	if err != nil {
		t.Fatalf("ParseSummary failed: %v", err)
	}
	if s.TransferSyntax != ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q", s.TransferSyntax)
	}
	for tag, want := range testTags() {
		if got := s.Get(tag); got != want {
			t.Errorf("tag %s = %q, want %q", tag, got, want)
		}
	}

	patientID, studyUID, seriesUID, sopUID, ok := s.IdentityChain()
	if !ok {
		t.Fatal("identity chain incomplete")
	}
	if patientID != "P1" || studyUID != "1.2.3" || seriesUID != "1.2.3.4" || sopUID != "1.2.3.4.5" {
		t.Errorf("identity chain = %q %q %q %q", patientID, studyUID, seriesUID, sopUID)
	}
}

func TestIdentityChainMissingTag(t *testing.T) {
	tags := testTags()
	delete(tags, types.TagStudyInstanceUID)
	s, err := ParseSummary(EncodeFile(tags, nil), 0)
	if err != nil {
		t.Fatalf("ParseSummary failed: %v", err)
	}
	if _, _, _, _, ok := s.IdentityChain(); ok {
		t.Error("identity chain should be incomplete without StudyInstanceUID")
	}
}

func TestParseSummaryTruncatesValues(t *testing.T) {
	tags := testTags()
	tags[types.TagStudyDescription] = "a very long description that exceeds the bound"
	s, err := ParseSummary(EncodeFile(tags, nil), 10)
	if err != nil {
		t.Fatalf("ParseSummary failed: %v", err)
	}
	if got := s.Get(types.TagStudyDescription); len(got) > 10 {
		t.Errorf("value not truncated: %q", got)
	}
}

func TestParseSummaryRejectsGarbage(t *testing.T) {
	_, err := ParseSummary([]byte{1, 2, 3}, 0)
	if !errors.Is(err, types.ErrBadFileFormat) {
		t.Errorf("expected ErrBadFileFormat, got %v", err)
	}
}

func TestTruncateAtPixelData(t *testing.T) {
	pixels := bytes.Repeat([]byte{0xAB}, 512)
	full := EncodeFile(testTags(), pixels)
	head, err := TruncateAtPixelData(full)
	if err != nil {
		t.Fatalf("TruncateAtPixelData failed: %v", err)
	}
	if len(head) >= len(full) {
		t.Fatal("truncation did not shrink the buffer")
	}

	// The head still parses and keeps the identity tags.
	s, err := ParseSummary(head, 0)
	if err != nil {
		t.Fatalf("ParseSummary of head failed: %v", err)
	}
	if _, _, _, _, ok := s.IdentityChain(); !ok {
		t.Error("identity chain lost by truncation")
	}

	// Files without pixel data are returned whole.
	bare := EncodeFile(testTags(), nil)
	same, err := TruncateAtPixelData(bare)
	if err != nil {
		t.Fatalf("TruncateAtPixelData failed: %v", err)
	}
	if !bytes.Equal(same, bare) {
		t.Error("buffer without pixel data was altered")
	}
}

func TestModifyFileReplaceAndRemove(t *testing.T) {
	data := EncodeFile(testTags(), []byte{9, 9, 9, 9})

	out, err := ModifyFile(data,
		map[types.Tag]string{
			types.TagPatientName: "ANON",
			types.TagPatientSex:  "O", // absent in source, appended
		},
		[]types.Tag{types.TagStudyDescription},
	)
	if err != nil {
		t.Fatalf("ModifyFile failed: %v", err)
	}

	s, err := ParseSummary(out, 0)
	if err != nil {
		t.Fatalf("ParseSummary of modified file failed: %v", err)
	}
	if got := s.Get(types.TagPatientName); got != "ANON" {
		t.Errorf("PatientName = %q, want ANON", got)
	}
	if got := s.Get(types.TagPatientSex); got != "O" {
		t.Errorf("PatientSex = %q, want O", got)
	}
	if got := s.Get(types.TagStudyDescription); got != "" {
		t.Errorf("StudyDescription survived removal: %q", got)
	}
	// Untouched tags carry over, pixel data included.
	if got := s.Get(types.TagSOPInstanceUID); got != "1.2.3.4.5" {
		t.Errorf("SOPInstanceUID = %q", got)
	}
	truncated, _ := TruncateAtPixelData(out)
	if len(truncated) == len(out) {
		t.Error("pixel data lost during rewrite")
	}
}
