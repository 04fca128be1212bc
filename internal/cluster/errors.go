package cluster

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Result taxonomy shared by the registries, the dispatcher and the resync
// coordinator. Validation errors are never retried; ErrCommunication is only
// surfaced after the dispatcher's retry budget is spent.
var (
	ErrInvalidID      = errors.New("invalid id")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnknownTarget  = errors.New("unknown target")
	ErrUnknownNode    = errors.New("unknown node")
	ErrTargetInUse    = errors.New("target in use")
	ErrCommunication  = errors.New("communication error")
	ErrInterrupted    = errors.New("interrupted")
	ErrNotEmpty       = errors.New("not empty")
	ErrInternal       = errors.New("internal error")
	ErrAgain          = errors.New("try again")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotFound       = errors.New("not found")
	ErrOutOfMemory    = errors.New("out of memory")

	// Peer-reported forwarding failures. A peer that could not reach its own
	// buddy answers with one of these; only the first invites a retry.
	ErrIndirectComm         = errors.New("indirect communication error")
	ErrIndirectCommNotAgain = errors.New("indirect communication error, do not retry")
)

// Code is the wire form of a result. Admin callers and peers exchange codes,
// never error strings.
type Code string

const (
	CodeSuccess        Code = "SUCCESS"
	CodeInvalidID      Code = "INVALID_ID"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeUnknownTarget  Code = "UNKNOWN_TARGET"
	CodeUnknownNode    Code = "UNKNOWN_NODE"
	CodeTargetInUse    Code = "TARGET_IN_USE"
	CodeCommunication  Code = "COMMUNICATION"
	CodeInterrupted    Code = "INTERRUPTED"
	CodeNotEmpty       Code = "NOT_EMPTY"
	CodeInternal       Code = "INTERNAL"
	CodeAgain          Code = "AGAIN"
	CodeAlreadyRunning Code = "ALREADY_RUNNING"
	CodeNotFound       Code = "NOT_FOUND"
	CodeOutOfMemory    Code = "OUT_OF_MEMORY"

	CodeIndirectComm         Code = "INDIRECT_COMM"
	CodeIndirectCommNotAgain Code = "INDIRECT_COMM_NOTAGAIN"
)

var codeErrs = []struct {
	code Code
	err  error
}{
	{CodeInvalidID, ErrInvalidID},
	{CodeAlreadyExists, ErrAlreadyExists},
	{CodeUnknownTarget, ErrUnknownTarget},
	{CodeUnknownNode, ErrUnknownNode},
	{CodeTargetInUse, ErrTargetInUse},
	{CodeCommunication, ErrCommunication},
	{CodeInterrupted, ErrInterrupted},
	{CodeNotEmpty, ErrNotEmpty},
	{CodeAgain, ErrAgain},
	{CodeAlreadyRunning, ErrAlreadyRunning},
	{CodeNotFound, ErrNotFound},
	{CodeOutOfMemory, ErrOutOfMemory},
	{CodeIndirectComm, ErrIndirectComm},
	{CodeIndirectCommNotAgain, ErrIndirectCommNotAgain},
	{CodeInternal, ErrInternal},
}

// CodeOf maps an error to its wire code. Unclassified errors map to INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	for _, ce := range codeErrs {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// Err returns the sentinel error for c, or nil for CodeSuccess.
func (c Code) Err() error {
	if c == CodeSuccess || c == "" {
		return nil
	}
	for _, ce := range codeErrs {
		if ce.code == c {
			return ce.err
		}
	}
	return errors.Wrapf(ErrInternal, "unknown result code %q", string(c))
}

func (c *Code) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = Code(strings.ToUpper(s))
	return nil
}

// HTTPStatus is the status code an admin endpoint answers with for c.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidID, CodeUnknownTarget, CodeUnknownNode:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeTargetInUse, CodeNotEmpty, CodeAlreadyRunning, CodeAgain:
		return http.StatusConflict
	case CodeCommunication, CodeIndirectComm, CodeIndirectCommNotAgain:
		return http.StatusBadGateway
	case CodeInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
