package types

// Origin describes where an ingested instance came from.
type Origin string

// Request origins.
const (
	OriginUnknown  Origin = "Unknown"
	OriginRestAPI  Origin = "RestApi"
	OriginDicomSCP Origin = "DicomScp"
	OriginLua      Origin = "Lua"
	OriginPlugin   Origin = "Plugin"
	OriginWebDav   Origin = "WebDav"
)
