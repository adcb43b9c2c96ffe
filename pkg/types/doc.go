// Package types defines the resource model, enumerations, sentinel errors,
// and configuration shared by every component of dicomvault: the four-level
// patient/study/series/instance hierarchy, DICOM tags, change-log kinds,
// metadata kinds, attachment records, and ingestion results.
package types
