package jobs

import (
	"context"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// RemoteModality addresses a DICOM peer on the wire.
type RemoteModality struct {
	AET  string `json:"aet"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// QueryAnswer is one C-FIND result: tag (as "gggg,eeee") to value.
type QueryAnswer map[string]string

// DicomClient is the outbound DICOM network interface consumed by job
// bodies and the query-retrieve archive. The wire implementation lives
// outside the core; tests use fakes.
type DicomClient interface {
	// Echo verifies the association (C-ECHO).
	Echo(ctx context.Context, remote RemoteModality) error
	// Store transmits one instance (C-STORE).
	Store(ctx context.Context, remote RemoteModality, data []byte) error
	// Find runs a query at a level and returns the answers (C-FIND).
	Find(ctx context.Context, remote RemoteModality, level types.Level, query QueryAnswer) ([]QueryAnswer, error)
	// Move asks the remote to send matching instances to targetAET (C-MOVE).
	Move(ctx context.Context, remote RemoteModality, targetAET string, level types.Level, identifiers QueryAnswer) error
	// RequestStorageCommitment asks the remote to take custody of the
	// listed SOP instances.
	RequestStorageCommitment(ctx context.Context, remote RemoteModality, sopClassUIDs, sopInstanceUIDs []string) error
}
