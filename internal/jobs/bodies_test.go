package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/peers"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// drive runs a job's steps to completion outside the engine.
func drive(t *testing.T, j Job) StepResult {
	t.Helper()
	if err := j.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 10000; i++ {
		res := j.Step("test-job")
		if res.Status != StepContinue {
			return res
		}
	}
	t.Fatal("job never terminated")
	return StepResult{}
}

func newRepository(t *testing.T) (*Repository, *index.Index) {
	t.Helper()
	dir := t.TempDir()
	cfg := &types.Config{
		DataDir:          dir,
		StorageDir:       filepath.Join(dir, "storage"),
		IndexPath:        filepath.Join(dir, "index.db"),
		Salt:             "salt",
		StoreMode:        types.StoreModeDefault,
		JobWorkers:       1,
		CompressionLevel: 6,
	}
	area, err := storage.NewFilesystemArea(cfg.StorageDir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.Open(cfg.IndexPath, cfg.Salt)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return NewRepository(idx, area, ingest.New(cfg, area, idx)), idx
}

func storeTestInstance(t *testing.T, repo *Repository, patientID, studyUID, seriesUID, sopUID string) *ingest.Result {
	t.Helper()
	tags := map[types.Tag]string{
		types.TagPatientID:         patientID,
		types.TagPatientName:       "DOE^JANE",
		types.TagPatientBirthDate:  "19700101",
		types.TagStudyInstanceUID:  studyUID,
		types.TagStudyDate:         "20260105",
		types.TagSeriesInstanceUID: seriesUID,
		types.TagModality:          "CT",
		types.TagSOPInstanceUID:    sopUID,
		types.TagSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
	}
	res, err := repo.Store(dicom.EncodeFile(tags, []byte{9, 9, 9}), types.OriginRestAPI)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	return res
}

// fakeDicomClient records outbound operations.
type fakeDicomClient struct {
	mu          sync.Mutex
	stored      [][]byte
	moves       []QueryAnswer
	commitments [][]string
	failStore   bool
}

func (f *fakeDicomClient) Echo(ctx context.Context, remote RemoteModality) error { return nil }

func (f *fakeDicomClient) Store(ctx context.Context, remote RemoteModality, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore {
		return errors.New("association aborted")
	}
	f.stored = append(f.stored, data)
	return nil
}

func (f *fakeDicomClient) Find(ctx context.Context, remote RemoteModality, level types.Level, query QueryAnswer) ([]QueryAnswer, error) {
	return nil, nil
}

func (f *fakeDicomClient) Move(ctx context.Context, remote RemoteModality, targetAET string, level types.Level, identifiers QueryAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, identifiers)
	return nil
}

func (f *fakeDicomClient) RequestStorageCommitment(ctx context.Context, remote RemoteModality, sopClassUIDs, sopInstanceUIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitments = append(f.commitments, sopInstanceUIDs)
	return nil
}

func TestPeerStoreJob(t *testing.T) {
	repo, _ := newRepository(t)
	res := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.4")

	var received [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		received = append(received, body)
		json.NewEncoder(w).Encode(map[string]string{"ID": "remote-id"})
	}))
	defer server.Close()

	job := NewPeerStoreJob(repo, peers.Peer{Name: "other", BaseURL: server.URL},
		5*time.Second, []string{res.PublicID}, false)
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}
	if len(received) != 1 {
		t.Fatalf("peer received %d instances, want 1", len(received))
	}
	if job.Progress() != 1 {
		t.Errorf("progress = %f, want 1", job.Progress())
	}
}

func TestPeerStoreJobSerializeRoundTrip(t *testing.T) {
	repo, _ := newRepository(t)
	res := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.4")

	job := NewPeerStoreJob(repo, peers.Peer{Name: "other", BaseURL: "http://peer"},
		time.Second, []string{res.PublicID}, true)
	payload, ok := job.Serialize()
	if !ok {
		t.Fatal("job not serializable")
	}

	restored, err := PeerStoreUnserializer(repo)(payload)
	if err != nil {
		t.Fatalf("unserialization failed: %v", err)
	}
	if restored.JobType() != PeerStoreJobType {
		t.Errorf("type = %s", restored.JobType())
	}
	content := restored.PublicContent()
	if content["count"] != 1 || content["permissive"] != true {
		t.Errorf("restored content = %v", content)
	}
}

func TestModalityStoreJobWithCommitment(t *testing.T) {
	repo, idx := newRepository(t)
	a := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.1")
	b := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.2")

	client := &fakeDicomClient{}
	remote := RemoteModality{AET: "PACS", Host: "pacs.local", Port: 104}
	job := NewModalityStoreJob(repo, client, remote,
		[]string{a.PublicID, b.PublicID}, false, true)
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}

	if len(client.stored) != 2 {
		t.Errorf("%d C-STOREs, want 2", len(client.stored))
	}
	if len(client.commitments) != 1 || len(client.commitments[0]) != 2 {
		t.Errorf("commitments = %v", client.commitments)
	}

	// Transfers land in the export audit log.
	err := idx.WithTransaction(func(tx *index.Tx) error {
		exports, _, err := tx.GetExportedResources(0, 10)
		if err != nil {
			return err
		}
		if len(exports) != 2 {
			t.Errorf("%d exports, want 2", len(exports))
		}
		if len(exports) > 0 && exports[0].RemoteModality != "PACS" {
			t.Errorf("export modality = %q", exports[0].RemoteModality)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestModalityStoreJobFailsWithoutPermissive(t *testing.T) {
	repo, _ := newRepository(t)
	res := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.4")

	client := &fakeDicomClient{failStore: true}
	job := NewModalityStoreJob(repo, client, RemoteModality{AET: "PACS"},
		[]string{res.PublicID}, false, false)
	if got := drive(t, job); got.Status != StepFailure {
		t.Fatalf("job ended with %v, want failure", got.Status)
	}

	permissive := NewModalityStoreJob(repo, client, RemoteModality{AET: "PACS"},
		[]string{res.PublicID}, true, false)
	if got := drive(t, permissive); got.Status != StepSuccess {
		t.Fatalf("permissive job ended with %v: %v", got.Status, got.Err)
	}
}

func TestMoveScuJob(t *testing.T) {
	client := &fakeDicomClient{}
	answers := []QueryAnswer{
		{"0020,000d": "1.2.3"},
		{"0020,000d": "1.2.4"},
	}
	job := NewMoveScuJob(client, RemoteModality{AET: "PACS"}, "VAULT",
		types.LevelStudy, answers, false)
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}
	if len(client.moves) != 2 {
		t.Errorf("%d C-MOVEs, want 2", len(client.moves))
	}
}

func TestModificationJobAnonymizes(t *testing.T) {
	repo, idx := newRepository(t)
	res := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.4")
	var anonymized []types.Change
	idx.AddListener(func(c types.Change) error {
		switch c.Kind {
		case types.ChangeAnonymizedStudy:
			anonymized = append(anonymized, c)
		}
		return nil
	})

	job := NewModificationJob(repo, types.LevelStudy, "job-seed",
		[]string{res.PublicID}, nil, nil, true)
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}
	if len(anonymized) != 1 {
		t.Fatalf("%d AnonymizedStudy changes, want 1", len(anonymized))
	}

	newStudy := anonymized[0].PublicID
	if newStudy == res.Chain.Study {
		t.Fatal("anonymized study has the original public id")
	}
	instances, err := repo.ListInstances(newStudy)
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("%d anonymized instances, want 1", len(instances))
	}

	data, err := repo.ReadInstance(instances[0])
	if err != nil {
		t.Fatal(err)
	}
	summary, err := dicom.ParseSummary(data, 256)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Get(types.TagPatientName) != "Anonymized" {
		t.Errorf("patient name = %q", summary.Get(types.TagPatientName))
	}
	if summary.Get(types.TagPatientBirthDate) != "" {
		t.Error("birth date survived anonymization")
	}
	if summary.Get(types.TagStudyInstanceUID) == "1.2" {
		t.Error("study uid was not remapped")
	}

	// Provenance points back at the source instance.
	err = idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(instances[0])
		if err != nil {
			return err
		}
		from, _, err := tx.GetMetadata(id, types.MetaAnonymizedFrom)
		if err != nil {
			return err
		}
		if from != res.PublicID {
			t.Errorf("AnonymizedFrom = %q, want %q", from, res.PublicID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestMappedUIDDeterministic(t *testing.T) {
	a := MappedUID("seed", "1.2.3")
	if a != MappedUID("seed", "1.2.3") {
		t.Error("same inputs mapped differently")
	}
	if a == MappedUID("other", "1.2.3") {
		t.Error("different seeds collided")
	}
	if len(a) < 6 || a[:5] != "2.25." {
		t.Errorf("mapped uid %q lacks the 2.25. root", a)
	}
}

func TestMergeJobMovesSeriesIntoTargetStudy(t *testing.T) {
	repo, _ := newRepository(t)
	target := storeTestInstance(t, repo, "P1", "1.2", "1.2.3", "1.2.3.1")
	source := storeTestInstance(t, repo, "P2", "9.9", "9.9.1", "9.9.1.1")

	job, err := NewMergeJob(repo, "merge-seed", target.Chain.Study, []string{source.Chain.Series})
	if err != nil {
		t.Fatalf("NewMergeJob failed: %v", err)
	}
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}

	// The source series is gone and the target study gained a series.
	if _, err := repo.ListInstances(source.Chain.Series); !errors.Is(err, types.ErrUnknownResource) {
		t.Errorf("source series survived: %v", err)
	}
	instances, err := repo.ListInstances(target.Chain.Study)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Errorf("target study has %d instances, want 2", len(instances))
	}
}

func TestSequenceOfOperationsPipeline(t *testing.T) {
	job := NewSequenceOfOperationsJob(50 * time.Millisecond)

	var mu sync.Mutex
	var sink []string
	double := operationFunc(func(jobID string, input any) ([]any, error) {
		return []any{input.(string) + input.(string)}, nil
	})
	collect := operationFunc(func(jobID string, input any) ([]any, error) {
		mu.Lock()
		sink = append(sink, input.(string))
		mu.Unlock()
		return nil, nil
	})

	first := job.AddOperation(double)
	job.AddOperation(collect, first)
	job.AddInput(first, "a")
	job.AddInput(first, "b")
	job.Close()

	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v: %v", got.Status, got.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sink) != 2 || sink[0] != "aa" || sink[1] != "bb" {
		t.Errorf("sink = %v, want [aa bb]", sink)
	}
}

func TestSequenceOfOperationsTrailingTimeout(t *testing.T) {
	job := NewSequenceOfOperationsJob(10 * time.Millisecond)
	job.AddOperation(operationFunc(func(jobID string, input any) ([]any, error) {
		return nil, nil
	}))

	// No Close: the job succeeds once the trailing timeout elapses.
	start := time.Now()
	if got := drive(t, job); got.Status != StepSuccess {
		t.Fatalf("job ended with %v", got.Status)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("job finished before the trailing timeout")
	}
}

// operationFunc adapts a function to the Operation interface.
type operationFunc func(jobID string, input any) ([]any, error)

func (f operationFunc) Apply(jobID string, input any) ([]any, error) {
	return f(jobID, input)
}
