package types

// MetadataKind names one per-resource metadata entry.
type MetadataKind string

// Metadata kinds. Each resource holds at most one value per kind, with an
// integer revision incremented on every write.
const (
	MetaReceptionDate          MetadataKind = "ReceptionDate"
	MetaRemoteAET              MetadataKind = "RemoteAET"
	MetaRemoteIP               MetadataKind = "RemoteIP"
	MetaCalledAET              MetadataKind = "CalledAET"
	MetaHTTPUsername           MetadataKind = "HttpUsername"
	MetaIndexInSeries          MetadataKind = "IndexInSeries"
	MetaOrigin                 MetadataKind = "Origin"
	MetaTransferSyntax         MetadataKind = "TransferSyntax"
	MetaSopClassUID            MetadataKind = "SopClassUid"
	MetaLastUpdate             MetadataKind = "LastUpdate"
	MetaMainDicomTagsSignature MetadataKind = "MainDicomTagsSignature"
	MetaExpectedInstances      MetadataKind = "ExpectedNumberOfInstances"
	MetaStable                 MetadataKind = "Stable"
	MetaAnonymizedFrom         MetadataKind = "AnonymizedFrom"
	MetaModifiedFrom           MetadataKind = "ModifiedFrom"
)

// Metadata is one metadata entry as read back from the index.
type Metadata struct {
	Kind     MetadataKind `json:"kind"`
	Value    string       `json:"value"`
	Revision int64        `json:"revision"`
}
