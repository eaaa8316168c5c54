package model

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidResult = goerr.New("invalid verification result")
)

// RequestID identifies a verification request on the registry contract
type RequestID uint64

func (x RequestID) String() string {
	return strconv.FormatUint(uint64(x), 10)
}

// VerificationResult mirrors the registry contract's uint8 enum
type VerificationResult uint8

const (
	ResultNone        VerificationResult = 0
	ResultVerified    VerificationResult = 1
	ResultModified    VerificationResult = 2
	ResultNotVerified VerificationResult = 3
)

func (r VerificationResult) String() string {
	switch r {
	case ResultNone:
		return "NONE"
	case ResultVerified:
		return "VERIFIED"
	case ResultModified:
		return "MODIFIED"
	case ResultNotVerified:
		return "NOT_VERIFIED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(r)) + ")"
	}
}

// Validate checks that the result can be submitted as a response
func (r VerificationResult) Validate() error {
	switch r {
	case ResultVerified, ResultModified, ResultNotVerified:
		return nil
	default:
		return goerr.Wrap(ErrInvalidResult, "result is not submittable", goerr.V("result", r.String()))
	}
}

// VerificationRequest is the full record stored by the registry
type VerificationRequest struct {
	ID          RequestID
	Requester   common.Address
	ImageURI    string
	Processed   bool
	RequestTime time.Time
}

// Candidate is a request id yielded by discovery. Requester and URI are set
// when the discovery source already knows them.
type Candidate struct {
	ID            RequestID
	Requester     common.Address
	ImageURI      string
	ResponseCount uint64
}

// Decision is the verdict produced for one request
type Decision struct {
	RequestID      RequestID
	Result         VerificationResult
	MatchedAssetID AssetID
	Score          float64
}

// Receipt is the outcome of a confirmed transaction
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
}

// DecisionRecord is one row of the decision audit trail
type DecisionRecord struct {
	Decision
	Agent     common.Address
	TxHash    common.Hash
	Success   bool
	DecidedAt time.Time
}
