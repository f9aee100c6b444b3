package types

import (
	"errors"

	"github.com/google/uuid"
)

// Validation errors shared by entity constructors and the cache.
var (
	ErrInvalidPort             = errors.New("port must be in 1..65535")
	ErrInvalidProtoTag         = errors.New("unknown protocol tag")
	ErrWireguardParamsRequired = errors.New("wireguard inbound requires wg params")
	ErrEmptyUsername           = errors.New("username must be non-empty")
)

// OpCode discriminates the outcome of a cache write.
type OpCode string

const (
	// OpOk means the entity was newly inserted.
	OpOk OpCode = "ok"
	// OpAlreadyExist means an identical entity is already present.
	OpAlreadyExist OpCode = "already_exist"
	// OpNotModified means the stored version won the tie-break or the
	// write was a no-op.
	OpNotModified OpCode = "not_modified"
	// OpUpdated means an existing entity was replaced.
	OpUpdated OpCode = "updated"
	// OpUpdatedStat means only the telemetry counters changed.
	OpUpdatedStat OpCode = "updated_stat"
	// OpNotFound means the target entity does not exist.
	OpNotFound OpCode = "not_found"
	// OpDeletedPreviously means the write tried to revive a tombstone.
	OpDeletedPreviously OpCode = "deleted_previously"
	// OpBadRequest means the write violated a cache invariant.
	OpBadRequest OpCode = "bad_request"
)

// OperationStatus is the return discriminant of every cache mutation.
type OperationStatus struct {
	Code   OpCode    `json:"code"`
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason,omitempty"`
}

func Ok(id uuid.UUID) OperationStatus          { return OperationStatus{Code: OpOk, ID: id} }
func AlreadyExist(id uuid.UUID) OperationStatus { return OperationStatus{Code: OpAlreadyExist, ID: id} }
func NotModified(id uuid.UUID) OperationStatus { return OperationStatus{Code: OpNotModified, ID: id} }
func Updated(id uuid.UUID) OperationStatus     { return OperationStatus{Code: OpUpdated, ID: id} }
func UpdatedStat(id uuid.UUID) OperationStatus { return OperationStatus{Code: OpUpdatedStat, ID: id} }
func NotFound(id uuid.UUID) OperationStatus    { return OperationStatus{Code: OpNotFound, ID: id} }

func DeletedPreviously(id uuid.UUID) OperationStatus {
	return OperationStatus{Code: OpDeletedPreviously, ID: id}
}

func BadRequest(id uuid.UUID, reason string) OperationStatus {
	return OperationStatus{Code: OpBadRequest, ID: id, Reason: reason}
}

// Mutated reports whether the operation changed cache state and therefore
// must be written back to the store and published on the bus.
func (s OperationStatus) Mutated() bool {
	switch s.Code {
	case OpOk, OpUpdated, OpUpdatedStat:
		return true
	}
	return false
}

func (s OperationStatus) String() string {
	if s.Reason != "" {
		return string(s.Code) + "(" + s.ID.String() + ": " + s.Reason + ")"
	}
	return string(s.Code) + "(" + s.ID.String() + ")"
}
