package provequeue

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound       = errors.New("provequeue: not found")
	ErrInvalidConfig  = errors.New("provequeue: invalid config")
	ErrInvalidRequest = errors.New("provequeue: invalid request")
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusProving  Status = "proving"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ProveRequest is an opaque proof generation request. Its content hash is its identity.
type ProveRequest struct {
	PCDType string          `json:"pcdType"`
	Args    json.RawMessage `json:"args"`
}

type PendingJob struct {
	PCDType string
	Hash    common.Hash
	Status  Status
}

// JobStatus is what a poller sees. Proof is set only for StatusComplete; error detail is never
// exposed.
type JobStatus struct {
	PCDType string
	Status  Status
	Proof   []byte
}

type Stats struct {
	Queued   int
	Proving  int
	Complete int
	Error    int
}

type CompletedMessage struct {
	Hash    common.Hash
	PCDType string
}

type FailedMessage struct {
	Hash    common.Hash
	PCDType string
}

func EncodeCompletedMessage(msg CompletedMessage) ([]byte, error) {
	out := struct {
		Version string `json:"version"`
		Hash    string `json:"hash"`
		PCDType string `json:"pcdType"`
		Status  string `json:"status"`
	}{
		Version: "ticketgate.prove.completed.v1",
		Hash:    msg.Hash.Hex(),
		PCDType: strings.TrimSpace(msg.PCDType),
		Status:  string(StatusComplete),
	}
	return json.Marshal(out)
}

// EncodeFailedMessage deliberately carries no error detail.
func EncodeFailedMessage(msg FailedMessage) ([]byte, error) {
	out := struct {
		Version string `json:"version"`
		Hash    string `json:"hash"`
		PCDType string `json:"pcdType"`
		Status  string `json:"status"`
	}{
		Version: "ticketgate.prove.failed.v1",
		Hash:    msg.Hash.Hex(),
		PCDType: strings.TrimSpace(msg.PCDType),
		Status:  string(StatusError),
	}
	return json.Marshal(out)
}
