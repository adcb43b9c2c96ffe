package archive

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Exporter streams a resource subtree into a ZipWriter, one DICOM file
// per instance, with directory names derived from main tags.
type Exporter struct {
	idx  *index.Index
	area storage.Area
	log  *logrus.Entry
}

// NewExporter builds an exporter over an open index and storage area.
func NewExporter(idx *index.Index, area storage.Area) *Exporter {
	return &Exporter{
		idx:  idx,
		area: area,
		log:  logrus.WithField("component", "archive"),
	}
}

// Export writes the subtree rooted at publicID into w. The walk and the
// blob reads run inside one index transaction so the archive reflects a
// consistent snapshot.
func (e *Exporter) Export(w *ZipWriter, publicID string) error {
	return e.idx.WithTransaction(func(tx *index.Tx) error {
		id, level, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		return e.exportResource(tx, w, id, level)
	})
}

// exportResource dispatches one resource onto the archive, descending
// recursively.
func (e *Exporter) exportResource(tx *index.Tx, w *ZipWriter, id int64, level types.Level) error {
	if level == types.LevelInstance {
		return e.exportInstance(tx, w, id)
	}

	tags, err := tx.GetMainDicomTags(id)
	if err != nil {
		return err
	}
	if err := w.OpenDirectory(directoryName(level, tags)); err != nil {
		return err
	}
	if err := e.writeManifest(w, level, tags); err != nil {
		return err
	}

	children, err := tx.GetChildren(id)
	if err != nil {
		return err
	}
	child, _ := level.Child()
	for _, c := range children {
		if err := e.exportResource(tx, w, c, child); err != nil {
			return err
		}
	}
	return w.CloseDirectory()
}

// exportInstance streams one instance body into the archive.
func (e *Exporter) exportInstance(tx *index.Tx, w *ZipWriter, id int64) error {
	att, err := tx.GetAttachment(id, types.AttachmentDicom)
	if err != nil {
		return err
	}
	blob, err := e.area.Read(att.UUID, att.Type)
	if err != nil {
		return err
	}
	data, err := ingest.Decompress(blob, att.Compression)
	if err != nil {
		return err
	}

	if err := w.OpenFile(instanceFileName(tx, id)); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// directoryName renders the human-readable directory of a container
// resource from its main tags.
func directoryName(level types.Level, tags map[types.Tag]string) string {
	pick := func(candidates ...types.Tag) string {
		name := ""
		for _, tag := range candidates {
			if v := tags[tag]; v != "" {
				if name != "" {
					name += " "
				}
				name += v
			}
		}
		return name
	}

	var name string
	switch level {
	case types.LevelPatient:
		name = pick(types.TagPatientID, types.TagPatientName)
	case types.LevelStudy:
		name = pick(types.TagStudyDate, types.TagStudyDescription)
		if name == "" {
			name = tags[types.TagStudyInstanceUID]
		}
	case types.LevelSeries:
		name = pick(types.TagModality, types.TagSeriesDescription)
		if name == "" {
			name = tags[types.TagSeriesInstanceUID]
		}
	}
	if name == "" {
		name = "Unknown " + string(level)
	}
	return name
}

// instanceFileName numbers instances by their position in the series,
// falling back to the SOP instance UID.
func instanceFileName(tx *index.Tx, id int64) string {
	if pos, _, err := tx.GetMetadata(id, types.MetaIndexInSeries); err == nil {
		if n, err := strconv.Atoi(pos); err == nil {
			return fmt.Sprintf("%08d.dcm", n)
		}
	}
	tags, err := tx.GetMainDicomTags(id)
	if err == nil {
		if uid := tags[types.TagSOPInstanceUID]; uid != "" {
			return uid + ".dcm"
		}
	}
	return "instance.dcm"
}

// writeManifest adds a study.json or series.json entry describing the
// container's main tags. Patients carry no manifest.
func (e *Exporter) writeManifest(w *ZipWriter, level types.Level, tags map[types.Tag]string) error {
	var name string
	switch level {
	case types.LevelStudy:
		name = "study.json"
	case types.LevelSeries:
		name = "series.json"
	default:
		return nil
	}

	manifest := make(map[string]string, len(tags))
	for tag, value := range tags {
		manifest[tag.String()] = value
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := w.OpenFile(name); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
