package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mesh-intelligence/dicomvault/internal/archive"
	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/jobs"
	"github.com/mesh-intelligence/dicomvault/internal/qr"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// fakeDicom scripts the DICOM networking backend.
type fakeDicom struct {
	mu      sync.Mutex
	answers []jobs.QueryAnswer
	moves   int
}

func (f *fakeDicom) Echo(ctx context.Context, remote jobs.RemoteModality) error { return nil }

func (f *fakeDicom) Store(ctx context.Context, remote jobs.RemoteModality, data []byte) error {
	return nil
}

func (f *fakeDicom) Find(ctx context.Context, remote jobs.RemoteModality, level types.Level, query jobs.QueryAnswer) ([]jobs.QueryAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers, nil
}

func (f *fakeDicom) Move(ctx context.Context, remote jobs.RemoteModality, targetAET string, level types.Level, identifiers jobs.QueryAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves++
	return nil
}

func (f *fakeDicom) RequestStorageCommitment(ctx context.Context, remote jobs.RemoteModality, sopClassUIDs, sopInstanceUIDs []string) error {
	return nil
}

type testEnv struct {
	server *httptest.Server
	deps   Deps
	dicom  *fakeDicom
}

func newTestEnv(t *testing.T) *testEnv {
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
		HTTPTimeout:      5 * time.Second,
		DicomModalities: map[string]types.ModalityConfig{
			"pacs": {AET: "PACS", Host: "pacs.local", Port: 104},
		},
		Peers: map[string]types.PeerConfig{},
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

	pipeline := ingest.New(cfg, area, idx)
	repo := jobs.NewRepository(idx, area, pipeline)
	engine := jobs.NewEngine(idx, cfg.JobWorkers, time.Hour)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)

	dcm := &fakeDicom{}
	deps := Deps{
		Config:   cfg,
		Index:    idx,
		Area:     area,
		Pipeline: pipeline,
		Exporter: archive.NewExporter(idx, area),
		Engine:   engine,
		Repo:     repo,
		Queries:  qr.NewArchive(dcm, 0, 0),
		Dicom:    dcm,
	}
	server := httptest.NewServer(NewServer(deps).Router())
	t.Cleanup(server.Close)
	return &testEnv{server: server, deps: deps, dicom: dcm}
}

func testDicomFile(patientID, studyUID, seriesUID, sopUID string) []byte {
	return dicom.EncodeFile(map[types.Tag]string{
		types.TagPatientID:         patientID,
		types.TagPatientName:       "DOE^JANE",
		types.TagStudyInstanceUID:  studyUID,
		types.TagStudyDate:         "20260105",
		types.TagStudyDescription:  "CHEST CT",
		types.TagSeriesInstanceUID: seriesUID,
		types.TagModality:          "CT",
		types.TagSOPInstanceUID:    sopUID,
		types.TagSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
	}, []byte{1, 2, 3, 4})
}

// storeResponse is the ingestion reply.
type storeResponse struct {
	ID            string `json:"ID"`
	Status        string `json:"Status"`
	ParentPatient string `json:"ParentPatient"`
	ParentStudy   string `json:"ParentStudy"`
	ParentSeries  string `json:"ParentSeries"`
}

func (e *testEnv) store(t *testing.T, data []byte) storeResponse {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/instances", "application/dicom", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("store returned %d: %s", resp.StatusCode, body)
	}
	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (e *testEnv) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) waitJob(t *testing.T, id string) jobs.Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var info jobs.Info
		if code := e.getJSON(t, "/jobs/"+id, &info); code != http.StatusOK {
			t.Fatalf("GET /jobs/%s returned %d", id, code)
		}
		switch info.State {
		case jobs.StateSuccess:
			return info
		case jobs.StateFailure:
			t.Fatalf("job failed: %s", info.ErrorDetails)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never finished")
	return jobs.Info{}
}

func TestStoreAndGetResource(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))
	if stored.Status != "Success" {
		t.Fatalf("status = %s", stored.Status)
	}

	var instance resourceInfo
	if code := e.getJSON(t, "/instances/"+stored.ID, &instance); code != http.StatusOK {
		t.Fatalf("GET instance returned %d", code)
	}
	if instance.Type != types.LevelInstance || instance.Parent != stored.ParentSeries {
		t.Errorf("instance info = %+v", instance)
	}

	var study resourceInfo
	if code := e.getJSON(t, "/studies/"+stored.ParentStudy, &study); code != http.StatusOK {
		t.Fatalf("GET study returned %d", code)
	}
	if len(study.Children) != 1 || study.Children[0] != stored.ParentSeries {
		t.Errorf("study children = %v", study.Children)
	}
	if study.MainDicomTags[types.TagStudyDescription.String()] != "CHEST CT" {
		t.Errorf("study tags = %v", study.MainDicomTags)
	}

	// Level mismatch is a 404, not a different resource.
	if code := e.getJSON(t, "/patients/"+stored.ID, nil); code != http.StatusNotFound {
		t.Errorf("GET instance as patient returned %d", code)
	}
}

func TestInstanceFileRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	original := testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4")
	stored := e.store(t, original)

	resp, err := http.Get(e.server.URL + "/instances/" + stored.ID + "/file")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET file returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/dicom" {
		t.Errorf("content type = %s", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, original) {
		t.Error("file bytes differ from the ingested instance")
	}
}

func TestListStatisticsAndChanges(t *testing.T) {
	e := newTestEnv(t)
	e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))
	e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.5"))

	var patients []string
	e.getJSON(t, "/patients", &patients)
	if len(patients) != 1 {
		t.Errorf("patients = %v", patients)
	}

	var stats map[string]int64
	e.getJSON(t, "/statistics", &stats)
	if stats["countInstances"] != 2 || stats["countPatients"] != 1 {
		t.Errorf("statistics = %v", stats)
	}

	var changes struct {
		Changes []types.Change `json:"changes"`
		Done    bool           `json:"done"`
		Last    int64          `json:"last"`
	}
	e.getJSON(t, "/changes?limit=100", &changes)
	// Four creations for the first instance plus one for the second.
	if len(changes.Changes) != 5 || !changes.Done {
		t.Errorf("changes = %d done=%v", len(changes.Changes), changes.Done)
	}
}

func TestDeleteResource(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	req, _ := http.NewRequest(http.MethodDelete, e.server.URL+"/patients/"+stored.ParentPatient, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE returned %d", resp.StatusCode)
	}
	if code := e.getJSON(t, "/instances/"+stored.ID, nil); code != http.StatusNotFound {
		t.Errorf("GET after delete returned %d", code)
	}
}

func TestProtectedFlag(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	req, _ := http.NewRequest(http.MethodPut,
		e.server.URL+"/patients/"+stored.ParentPatient+"/protected",
		strings.NewReader("1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT protected returned %d", resp.StatusCode)
	}

	var protected bool
	e.getJSON(t, "/patients/"+stored.ParentPatient+"/protected", &protected)
	if !protected {
		t.Error("patient not protected after PUT")
	}
}

func TestToolsFind(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	var ids []string
	code := e.postJSON(t, "/tools/find", findRequest{
		Level: "study",
		Query: map[string]string{"0008,1030": "chest*"},
	}, &ids)
	if code != http.StatusOK {
		t.Fatalf("find returned %d", code)
	}
	if len(ids) != 1 || ids[0] != stored.ParentStudy {
		t.Errorf("find = %v, want [%s]", ids, stored.ParentStudy)
	}

	ids = nil
	e.postJSON(t, "/tools/find", findRequest{
		Level: "study",
		Query: map[string]string{"0008,1030": "HEAD*"},
	}, &ids)
	if len(ids) != 0 {
		t.Errorf("non-matching find = %v", ids)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	resp, err := http.Get(e.server.URL + "/studies/" + stored.ParentStudy + "/archive")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET archive returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type = %s", ct)
	}

	data, _ := io.ReadAll(resp.Body)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("archive unreadable: %v", err)
	}
	var dcm int
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".dcm") {
			dcm++
		}
	}
	if dcm != 1 {
		t.Errorf("%d DICOM entries, want 1", dcm)
	}
}

func TestPeerStoreEndpoint(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	var received atomic.Int32
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"ID": "remote"})
	}))
	defer peer.Close()
	e.deps.Config.Peers["other"] = types.PeerConfig{URL: peer.URL}

	var submitted struct {
		ID string `json:"ID"`
	}
	code := e.postJSON(t, "/peers/other/store", submitRequest{
		Resources: []string{stored.ParentStudy},
	}, &submitted)
	if code != http.StatusAccepted {
		t.Fatalf("peer store returned %d", code)
	}
	e.waitJob(t, submitted.ID)
	if received.Load() != 1 {
		t.Errorf("peer received %d instances, want 1", received.Load())
	}

	var exports struct {
		Exports []types.ExportedResource `json:"exports"`
	}
	e.getJSON(t, "/exports", &exports)
	if len(exports.Exports) != 1 {
		t.Errorf("exports = %v", exports.Exports)
	}
}

func TestModalityQueryRetrieveFlow(t *testing.T) {
	e := newTestEnv(t)
	e.dicom.answers = []jobs.QueryAnswer{{"0020,000d": "1.2.3"}}

	var query struct {
		ID string `json:"ID"`
	}
	code := e.postJSON(t, "/modalities/pacs/query", queryRequest{
		Level: "study",
		Query: map[string]string{"0010,0020": "P1"},
	}, &query)
	if code != http.StatusOK {
		t.Fatalf("query returned %d", code)
	}

	var answers []jobs.QueryAnswer
	if code := e.getJSON(t, "/queries/"+query.ID+"/answers", &answers); code != http.StatusOK {
		t.Fatalf("answers returned %d", code)
	}
	if len(answers) != 1 || answers[0]["0020,000d"] != "1.2.3" {
		t.Errorf("answers = %v", answers)
	}

	var retrieve struct {
		ID string `json:"ID"`
	}
	code = e.postJSON(t, "/queries/"+query.ID+"/retrieve",
		retrieveRequest{TargetAET: "VAULT"}, &retrieve)
	if code != http.StatusAccepted {
		t.Fatalf("retrieve returned %d", code)
	}
	e.waitJob(t, retrieve.ID)
	e.dicom.mu.Lock()
	moves := e.dicom.moves
	e.dicom.mu.Unlock()
	if moves != 1 {
		t.Errorf("%d C-MOVEs, want 1", moves)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.server.URL+"/queries/"+query.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE query returned %d", resp.StatusCode)
	}
	if code := e.getJSON(t, "/queries/"+query.ID+"/answers", nil); code != http.StatusNotFound {
		t.Errorf("answers after delete returned %d", code)
	}

	// Unknown modality name.
	if code := e.postJSON(t, "/modalities/nowhere/query", queryRequest{Level: "study"}, nil); code != http.StatusNotFound {
		t.Errorf("unknown modality returned %d", code)
	}
}

func TestAnonymizeEndpoint(t *testing.T) {
	e := newTestEnv(t)
	stored := e.store(t, testDicomFile("P1", "1.2", "1.2.3", "1.2.3.4"))

	var submitted struct {
		ID string `json:"ID"`
	}
	code := e.postJSON(t, "/studies/"+stored.ParentStudy+"/anonymize",
		modifyRequest{}, &submitted)
	if code != http.StatusAccepted {
		t.Fatalf("anonymize returned %d", code)
	}
	e.waitJob(t, submitted.ID)

	var stats map[string]int64
	e.getJSON(t, "/statistics", &stats)
	if stats["countStudies"] != 2 {
		t.Errorf("countStudies = %d, want 2 after anonymization", stats["countStudies"])
	}
}

func TestJobsList(t *testing.T) {
	e := newTestEnv(t)
	var list []jobs.Info
	if code := e.getJSON(t, "/jobs", &list); code != http.StatusOK {
		t.Fatalf("GET /jobs returned %d", code)
	}
	if len(list) != 0 {
		t.Errorf("jobs = %v", list)
	}
	if code := e.getJSON(t, "/jobs/missing", nil); code != http.StatusNotFound {
		t.Errorf("GET missing job returned %d", code)
	}
}
