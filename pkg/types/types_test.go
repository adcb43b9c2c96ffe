package types

import "testing"

func TestLevelNavigation(t *testing.T) {
	if p, ok := LevelStudy.Parent(); !ok || p != LevelPatient {
		t.Errorf("study parent = %v, %v", p, ok)
	}
	if _, ok := LevelPatient.Parent(); ok {
		t.Error("patient should have no parent")
	}
	if c, ok := LevelSeries.Child(); !ok || c != LevelInstance {
		t.Errorf("series child = %v, %v", c, ok)
	}
	if _, ok := LevelInstance.Child(); ok {
		t.Error("instance should have no child")
	}
	for i, l := range AllLevels {
		if l.Depth() != i {
			t.Errorf("depth of %s = %d, want %d", l, l.Depth(), i)
		}
	}
	if Level("bogus").Depth() != -1 {
		t.Error("unknown level should have depth -1")
	}
}

func TestTagFormatting(t *testing.T) {
	if s := TagStudyInstanceUID.String(); s != "(0020,000d)" {
		t.Errorf("tag string = %s", s)
	}
	if k := TagPatientID.Key(); k != 0x00100020 {
		t.Errorf("tag key = %08x", k)
	}
}

func TestIdentifierTagSubset(t *testing.T) {
	// All *InstanceUID tags, PatientID and AccessionNumber must be
	// identifier tags at their level.
	cases := []struct {
		level Level
		tag   Tag
	}{
		{LevelPatient, TagPatientID},
		{LevelStudy, TagStudyInstanceUID},
		{LevelStudy, TagAccessionNumber},
		{LevelSeries, TagSeriesInstanceUID},
		{LevelInstance, TagSOPInstanceUID},
	}
	for _, c := range cases {
		if !IsIdentifierTag(c.level, c.tag) {
			t.Errorf("%s should be an identifier tag at %s", c.tag, c.level)
		}
	}
	if IsIdentifierTag(LevelSeries, TagModality) {
		t.Error("Modality is a main tag, not an identifier tag")
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{DataDir: "/tmp/x", JobWorkers: 1, CompressionLevel: 6}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := base
	cfg.DataDir = ""
	if err := cfg.Validate(); err != ErrDataDirEmpty {
		t.Errorf("expected ErrDataDirEmpty, got %v", err)
	}

	cfg = base
	cfg.StoreMode = "bogus"
	if err := cfg.Validate(); err != ErrStoreModeUnknown {
		t.Errorf("expected ErrStoreModeUnknown, got %v", err)
	}

	cfg = base
	cfg.JobWorkers = 0
	if err := cfg.Validate(); err != ErrJobWorkersInvalid {
		t.Errorf("expected ErrJobWorkersInvalid, got %v", err)
	}

	cfg = base
	cfg.CompressionLevel = 12
	if err := cfg.Validate(); err != ErrCompressionLevelInvalid {
		t.Errorf("expected ErrCompressionLevelInvalid, got %v", err)
	}
}
