package sqlbatch

import "errors"

// Error kinds returned by the job backend. Match them with errors.Is.
var (
	// ErrNotFound means no complete job record exists for an identifier.
	ErrNotFound = errors.New("job not found")
	// ErrStore means a read or write against the metadata store failed.
	ErrStore = errors.New("metadata store failure")
	// ErrDispatch means handing a job to its host queue failed.
	ErrDispatch = errors.New("dispatch failure")
	// ErrIndex means reading or writing the user job index failed.
	ErrIndex = errors.New("user index failure")
	// ErrValidation means the caller supplied invalid input.
	ErrValidation = errors.New("validation failure")
)

// JobError describes a failed job backend operation.
type JobError struct {
	Op    string // Operation name, e.g. "create" or "get"
	JobID string // Job identifier, empty when not known yet
	Kind  error  // One of the Err* kinds
	Err   error  // Underlying cause, may be nil
}

func (e *JobError) Error() string {
	msg := e.Op
	if e.JobID != "" {
		msg += " job " + e.JobID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newJobError(op, jobID string, kind, err error) *JobError {
	return &JobError{Op: op, JobID: jobID, Kind: kind, Err: err}
}

func notFound(jobID string) error {
	return newJobError("get", jobID, ErrNotFound, nil)
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
