package ingest

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	dir := t.TempDir()
	return &types.Config{
		DataDir:          dir,
		StorageDir:       filepath.Join(dir, "storage"),
		IndexPath:        filepath.Join(dir, "index.db"),
		Salt:             "test-salt",
		StoreMode:        types.StoreModeDefault,
		JobWorkers:       1,
		CompressionLevel: 6,
	}
}

func newPipeline(t *testing.T, cfg *types.Config) (*Pipeline, *index.Index, storage.Area) {
	t.Helper()
	area, err := storage.NewFilesystemArea(cfg.StorageDir)
	if err != nil {
		t.Fatalf("NewFilesystemArea failed: %v", err)
	}
	idx, err := index.Open(cfg.IndexPath, cfg.Salt)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(cfg, area, idx), idx, area
}

// testFile builds a valid part-10 file with a complete identity chain.
func testFile(patientID, studyUID, seriesUID, sopUID string, extra map[types.Tag]string) []byte {
	tags := map[types.Tag]string{
		types.TagPatientID:         patientID,
		types.TagPatientName:       "DOE^JOHN",
		types.TagStudyInstanceUID:  studyUID,
		types.TagStudyDescription:  "CHEST CT",
		types.TagSeriesInstanceUID: seriesUID,
		types.TagModality:          "CT",
		types.TagSOPInstanceUID:    sopUID,
		types.TagSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
	}
	for tag, value := range extra {
		tags[tag] = value
	}
	return dicom.EncodeFile(tags, []byte{0x01, 0x02, 0x03, 0x04})
}

func collectChanges(idx *index.Index) *[]types.Change {
	var changes []types.Change
	idx.AddListener(func(c types.Change) error {
		changes = append(changes, c)
		return nil
	})
	return &changes
}

func TestFreshIngest(t *testing.T) {
	cfg := testConfig(t)
	p, idx, area := newPipeline(t, cfg)
	changes := collectChanges(idx)

	data := testFile("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5", nil)
	res, err := p.StoreInstance(Instance{Data: data, Origin: types.OriginRestAPI, RemoteAET: "PACS"})
	if err != nil {
		t.Fatalf("StoreInstance failed: %v", err)
	}
	if res.Status != types.StoreSuccess {
		t.Fatalf("status = %s, want Success", res.Status)
	}

	want := []types.ChangeKind{
		types.ChangeNewPatient, types.ChangeNewStudy,
		types.ChangeNewSeries, types.ChangeNewInstance,
	}
	if len(*changes) != 4 {
		t.Fatalf("%d changes, want 4: %v", len(*changes), *changes)
	}
	for i, kind := range want {
		if (*changes)[i].Kind != kind {
			t.Errorf("change %d = %s, want %s", i, (*changes)[i].Kind, kind)
		}
	}

	// The stored bytes come back verbatim.
	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, level, err := tx.LookupResource(res.PublicID)
		if err != nil {
			return err
		}
		if level != types.LevelInstance {
			t.Errorf("level = %s, want instance", level)
		}
		att, err := tx.GetAttachment(id, types.AttachmentDicom)
		if err != nil {
			return err
		}
		stored, err := area.Read(att.UUID, att.Type)
		if err != nil {
			return err
		}
		if !bytes.Equal(stored, data) {
			t.Error("stored bytes differ from ingested bytes")
		}

		// Provenance metadata on the instance.
		origin, _, err := tx.GetMetadata(id, types.MetaOrigin)
		if err != nil {
			return err
		}
		if origin != string(types.OriginRestAPI) {
			t.Errorf("origin = %q", origin)
		}
		aet, _, err := tx.GetMetadata(id, types.MetaRemoteAET)
		if err != nil {
			return err
		}
		if aet != "PACS" {
			t.Errorf("remote AET = %q", aet)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	cfg := testConfig(t)
	p, idx, _ := newPipeline(t, cfg)
	changes := collectChanges(idx)

	data := testFile("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5", nil)
	first, err := p.StoreInstance(Instance{Data: data, Origin: types.OriginRestAPI})
	if err != nil {
		t.Fatalf("first StoreInstance failed: %v", err)
	}
	second, err := p.StoreInstance(Instance{Data: data, Origin: types.OriginRestAPI})
	if err != nil {
		t.Fatalf("second StoreInstance failed: %v", err)
	}

	if second.Status != types.StoreAlreadyStored {
		t.Errorf("second status = %s, want AlreadyStored", second.Status)
	}
	if second.PublicID != first.PublicID {
		t.Errorf("public ids differ: %s vs %s", first.PublicID, second.PublicID)
	}
	if len(*changes) != 4 {
		t.Errorf("%d changes after duplicate, want 4", len(*changes))
	}

	err = idx.WithTransaction(func(tx *index.Tx) error {
		stats, err := tx.GetStatistics()
		if err != nil {
			return err
		}
		if stats.UncompressedSize != int64(len(data)) {
			t.Errorf("stored bytes = %d, want %d", stats.UncompressedSize, len(data))
		}
		id, _, err := tx.LookupResource(first.PublicID)
		if err != nil {
			return err
		}
		atts, err := tx.ListAttachments(id)
		if err != nil {
			return err
		}
		if len(atts) != 1 {
			t.Errorf("%d attachments, want 1", len(atts))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestIngestMissingIdentityTag(t *testing.T) {
	cfg := testConfig(t)
	p, idx, _ := newPipeline(t, cfg)

	tags := map[types.Tag]string{
		types.TagPatientID:         "P1",
		types.TagSeriesInstanceUID: "1.2.3.4",
		types.TagSOPInstanceUID:    "1.2.3.4.5",
	}
	_, err := p.StoreInstance(Instance{Data: dicom.EncodeFile(tags, nil)})
	if !errors.Is(err, types.ErrBadFileFormat) {
		t.Fatalf("expected ErrBadFileFormat, got %v", err)
	}

	err = idx.WithTransaction(func(tx *index.Tx) error {
		stats, err := tx.GetStatistics()
		if err != nil {
			return err
		}
		for level, n := range stats.Counts {
			if n != 0 {
				t.Errorf("%s count = %d after rejected ingest", level, n)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestIngestFilteredOut(t *testing.T) {
	cfg := testConfig(t)
	p, idx, _ := newPipeline(t, cfg)
	p.SetFilter(func(summary *dicom.Summary, origin types.Origin) bool {
		return summary.Get(types.TagModality) != "CT"
	})

	res, err := p.StoreInstance(Instance{Data: testFile("P1", "1.2", "1.2.3", "1.2.3.4", nil)})
	if err != nil {
		t.Fatalf("StoreInstance failed: %v", err)
	}
	if res.Status != types.StoreFilteredOut {
		t.Errorf("status = %s, want FilteredOut", res.Status)
	}

	err = idx.WithTransaction(func(tx *index.Tx) error {
		_, _, err := tx.LookupResource(res.Chain.Instance)
		if !errors.Is(err, types.ErrUnknownResource) {
			t.Errorf("filtered instance was indexed: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestIngestOverwriteDuplicate(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreMode = types.StoreModeOverwriteDuplicate
	p, idx, area := newPipeline(t, cfg)

	data := testFile("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5", nil)
	first, err := p.StoreInstance(Instance{Data: data})
	if err != nil {
		t.Fatalf("first StoreInstance failed: %v", err)
	}

	var firstUUID string
	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(first.PublicID)
		if err != nil {
			return err
		}
		att, err := tx.GetAttachment(id, types.AttachmentDicom)
		if err != nil {
			return err
		}
		firstUUID = att.UUID
		return nil
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	second, err := p.StoreInstance(Instance{Data: data})
	if err != nil {
		t.Fatalf("second StoreInstance failed: %v", err)
	}
	if second.Status != types.StoreSuccess {
		t.Errorf("overwrite status = %s, want Success", second.Status)
	}
	if second.PublicID != first.PublicID {
		t.Errorf("overwrite changed the public id")
	}
	if _, err := area.Read(firstUUID, types.AttachmentDicom); !errors.Is(err, types.ErrInexistentFile) {
		t.Errorf("old blob survived overwrite: %v", err)
	}
}

func TestRecyclingEvictsOldestPatient(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPatientCount = 1
	p, idx, area := newPipeline(t, cfg)
	changes := collectChanges(idx)

	fileA := testFile("P1", "1.2", "1.2.3", "1.2.3.4", nil)
	fileB := testFile("P2", "2.2", "2.2.3", "2.2.3.4", nil)

	resA, err := p.StoreInstance(Instance{Data: fileA})
	if err != nil {
		t.Fatalf("ingest A failed: %v", err)
	}
	var blobA string
	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(resA.PublicID)
		if err != nil {
			return err
		}
		att, err := tx.GetAttachment(id, types.AttachmentDicom)
		if err != nil {
			return err
		}
		blobA = att.UUID
		return nil
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	resB, err := p.StoreInstance(Instance{Data: fileB})
	if err != nil {
		t.Fatalf("ingest B failed: %v", err)
	}
	if resB.Status != types.StoreSuccess {
		t.Fatalf("status = %s, want Success", resB.Status)
	}

	var deleted int
	for _, c := range *changes {
		if c.Kind == types.ChangeDeleted {
			deleted++
		}
	}
	if deleted != 4 {
		t.Errorf("%d Deleted changes, want 4 (whole P1 chain)", deleted)
	}
	if _, err := area.Read(blobA, types.AttachmentDicom); !errors.Is(err, types.ErrInexistentFile) {
		t.Errorf("recycled blob survived: %v", err)
	}

	err = idx.WithTransaction(func(tx *index.Tx) error {
		if _, _, err := tx.LookupResource(resA.Chain.Patient); !errors.Is(err, types.ErrUnknownResource) {
			t.Errorf("P1 survived recycling: %v", err)
		}
		if _, _, err := tx.LookupResource(resB.PublicID); err != nil {
			t.Errorf("P2 instance missing: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestRecyclingRespectsProtection(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPatientCount = 1
	p, idx, _ := newPipeline(t, cfg)

	resA, err := p.StoreInstance(Instance{Data: testFile("P1", "1.2", "1.2.3", "1.2.3.4", nil)})
	if err != nil {
		t.Fatalf("ingest A failed: %v", err)
	}
	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(resA.Chain.Patient)
		if err != nil {
			return err
		}
		return tx.SetProtected(id, true)
	})
	if err != nil {
		t.Fatalf("protection failed: %v", err)
	}

	_, err = p.StoreInstance(Instance{Data: testFile("P2", "2.2", "2.2.3", "2.2.3.4", nil)})
	if !errors.Is(err, types.ErrFullStorage) {
		t.Fatalf("expected ErrFullStorage, got %v", err)
	}
}

func TestCompletedSeriesChange(t *testing.T) {
	cfg := testConfig(t)
	p, idx, _ := newPipeline(t, cfg)
	changes := collectChanges(idx)

	extra := map[types.Tag]string{types.TagImagesInAcquisition: "2"}
	for _, sop := range []string{"1.2.3.4.1", "1.2.3.4.2"} {
		if _, err := p.StoreInstance(Instance{
			Data: testFile("P1", "1.2", "1.2.3", sop, extra),
		}); err != nil {
			t.Fatalf("ingest %s failed: %v", sop, err)
		}
	}

	var completed int
	for _, c := range *changes {
		if c.Kind == types.ChangeCompletedSeries {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("%d CompletedSeries changes, want 1", completed)
	}
}

func TestCompressedAttachment(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressAttachments = true
	p, idx, area := newPipeline(t, cfg)

	data := testFile("P1", "1.2", "1.2.3", "1.2.3.4", nil)
	res, err := p.StoreInstance(Instance{Data: data})
	if err != nil {
		t.Fatalf("StoreInstance failed: %v", err)
	}

	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(res.PublicID)
		if err != nil {
			return err
		}
		att, err := tx.GetAttachment(id, types.AttachmentDicom)
		if err != nil {
			return err
		}
		if att.Compression != types.CompressionGzip {
			t.Errorf("compression = %s, want gzip", att.Compression)
		}
		if att.UncompressedSize != int64(len(data)) {
			t.Errorf("uncompressed size = %d, want %d", att.UncompressedSize, len(data))
		}
		stored, err := area.Read(att.UUID, att.Type)
		if err != nil {
			return err
		}
		if int64(len(stored)) != att.CompressedSize {
			t.Errorf("blob size = %d, recorded %d", len(stored), att.CompressedSize)
		}
		restored, err := Decompress(stored, att.Compression)
		if err != nil {
			return err
		}
		if !bytes.Equal(restored, data) {
			t.Error("decompressed bytes differ from original")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestStabilityScanner(t *testing.T) {
	cfg := testConfig(t)
	p, idx, _ := newPipeline(t, cfg)
	changes := collectChanges(idx)

	if _, err := p.StoreInstance(Instance{
		Data: testFile("P1", "1.2", "1.2.3", "1.2.3.4", nil),
	}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	s := NewScanner(idx, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	countStable := func() int {
		n := 0
		for _, c := range *changes {
			switch c.Kind {
			case types.ChangeStablePatient, types.ChangeStableStudy, types.ChangeStableSeries:
				n++
			}
		}
		return n
	}

	if err := s.ScanOnce(); err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if got := countStable(); got != 3 {
		t.Fatalf("%d Stable changes, want 3", got)
	}

	// A second scan is a no-op.
	if err := s.ScanOnce(); err != nil {
		t.Fatalf("second ScanOnce failed: %v", err)
	}
	if got := countStable(); got != 3 {
		t.Errorf("%d Stable changes after rescan, want 3", got)
	}

	// A new instance in the same series resets the stability clock.
	if _, err := p.StoreInstance(Instance{
		Data: testFile("P1", "1.2", "1.2.3", "1.2.3.5", nil),
	}); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.ScanOnce(); err != nil {
		t.Fatalf("third ScanOnce failed: %v", err)
	}
	if got := countStable(); got != 6 {
		t.Errorf("%d Stable changes after reset, want 6", got)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("dicomvault"), 100)
	packed, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(packed) >= len(data) {
		t.Errorf("compression grew repetitive input: %d >= %d", len(packed), len(data))
	}
	restored, err := Decompress(packed, types.CompressionGzip)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("round trip mismatch")
	}
}
