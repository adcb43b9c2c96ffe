package types

// StoreStatus is the outcome of one ingestion.
type StoreStatus string

// Ingestion outcomes.
const (
	StoreSuccess       StoreStatus = "Success"
	StoreAlreadyStored StoreStatus = "AlreadyStored"
	StoreFilteredOut   StoreStatus = "FilteredOut"
	StoreFailure       StoreStatus = "Failure"
)

// StoreMode controls what happens when an instance with the same identity
// chain is already present.
type StoreMode string

// Duplicate handling modes.
const (
	StoreModeDefault            StoreMode = "default"
	StoreModeIgnoreDuplicate    StoreMode = "ignore"
	StoreModeOverwriteDuplicate StoreMode = "overwrite"
)
