package types

// AttachmentType names the content bound to a resource. At most one
// attachment exists per (resource, type) pair.
type AttachmentType string

// Attachment content types.
const (
	AttachmentDicom               AttachmentType = "dicom"
	AttachmentDicomUntilPixelData AttachmentType = "dicom-until-pixel-data"
	AttachmentDicomAsJSON         AttachmentType = "dicom-as-json"
)

// CompressionKind names the compression applied to stored bytes. The
// storage area is opaque; compression happens before bytes reach it.
type CompressionKind string

// Compression kinds.
const (
	CompressionNone CompressionKind = "none"
	CompressionGzip CompressionKind = "gzip"
)

// Attachment binds a storage blob to one resource under one content type.
type Attachment struct {
	UUID             string          `json:"uuid"`
	Type             AttachmentType  `json:"type"`
	UncompressedSize int64           `json:"uncompressedSize"`
	CompressedSize   int64           `json:"compressedSize"`
	Compression      CompressionKind `json:"compression"`
	MD5              string          `json:"md5,omitempty"`
	Revision         int64           `json:"revision"`
}
