/*
request.go - Request queue entries and their typed payloads

Requests are submitted by portal users (or the admin) and sit in the queue
as `pending` until the monthly scheduler drains them in (created date, id)
order. Each request type carries its own strongly-typed details struct; the
store serializes the union to JSON and decodes it exactly once at dequeue.

STATE MACHINE:
  pending -> completed   (scheduler success)
  pending -> failed      (scheduler error; reason recorded)
  pending -> rejected    (explicit admin action)
  pending -> cancelled   (explicit owner action)
All four terminal states are final.
*/
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// REQUEST TYPES & STATUSES
// =============================================================================

type RequestType string

const (
	RequestContribution        RequestType = "contribution"
	RequestWithdrawal          RequestType = "withdrawal"
	RequestFundSwap            RequestType = "fund_swap"
	RequestTransferInternal    RequestType = "transfer_internal"
	RequestTransferExternalOut RequestType = "transfer_external_out"
	RequestTransferExternalIn  RequestType = "transfer_external_in"
	RequestPortabilityOut      RequestType = "portability_out"
	RequestPortabilityIn       RequestType = "portability_in"
	RequestBrokerageWithdrawal RequestType = "brokerage_withdrawal"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// Request is one queue entry. CertificateID is 0 for brokerage withdrawals.
type Request struct {
	ID            int64
	UserID        int64
	CertificateID int64
	Type          RequestType
	Status        RequestStatus
	Details       RequestDetails
	CreatedDate   sim.Date
	CompletedDate sim.Date
	FailedReason  string
	RejectReason  string
}

// =============================================================================
// TYPED DETAILS - tagged union, one struct per request type
// =============================================================================

// RequestDetails is the payload union. Each concrete type names the request
// type it belongs to; the store uses that tag to round-trip JSON.
type RequestDetails interface {
	RequestType() RequestType
}

type ContributionDetails struct {
	Amount float64 `json:"amount"`
}

func (ContributionDetails) RequestType() RequestType { return RequestContribution }

type WithdrawalDetails struct {
	Amount float64 `json:"amount"`
	// Regime, when non-empty, sets the certificate's tax regime if (and
	// only if) it is still unset. Irrevocable afterwards.
	Regime TaxRegime `json:"tax_regime,omitempty"`
}

func (WithdrawalDetails) RequestType() RequestType { return RequestWithdrawal }

type FundSwapDetails struct {
	NewAllocations AllocationSet `json:"new_allocations"`
}

func (FundSwapDetails) RequestType() RequestType { return RequestFundSwap }

type TransferInternalDetails struct {
	Amount            float64 `json:"amount"`
	DestinationCertID int64   `json:"destination_cert_id"`
}

func (TransferInternalDetails) RequestType() RequestType { return RequestTransferInternal }

type TransferExternalOutDetails struct {
	Amount                 float64 `json:"amount"`
	DestinationInstitution string  `json:"destination_institution"`
}

func (TransferExternalOutDetails) RequestType() RequestType { return RequestTransferExternalOut }

type TransferExternalInDetails struct {
	Amount            float64 `json:"amount"`
	SourceInstitution string  `json:"source_institution"`
}

func (TransferExternalInDetails) RequestType() RequestType { return RequestTransferExternalIn }

// PortabilityOutDetails is the legacy portability request. Amount 0 means
// the full certificate value.
type PortabilityOutDetails struct {
	Amount            float64 `json:"amount,omitempty"`
	DestinationCertID int64   `json:"destination_cert_id"`
}

func (PortabilityOutDetails) RequestType() RequestType { return RequestPortabilityOut }

// PortabilityInDetails is the passive side of a legacy portability; it is
// completed by the matching portability_out executor, never executed itself.
type PortabilityInDetails struct {
	SourceCertID int64 `json:"source_cert_id"`
}

func (PortabilityInDetails) RequestType() RequestType { return RequestPortabilityIn }

type BrokerageWithdrawalDetails struct {
	Amount float64 `json:"amount"`
}

func (BrokerageWithdrawalDetails) RequestType() RequestType { return RequestBrokerageWithdrawal }

// =============================================================================
// DETAILS CODEC
// =============================================================================

// EncodeDetails serializes a details payload to JSON for storage.
func EncodeDetails(d RequestDetails) (string, error) {
	if d == nil {
		return "", fmt.Errorf("nil request details")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode %s details: %w", d.RequestType(), err)
	}
	return string(b), nil
}

// DecodeDetails deserializes the stored JSON payload for the given request
// type. Called once per request, at dequeue.
func DecodeDetails(typ RequestType, raw string) (RequestDetails, error) {
	var (
		d   RequestDetails
		err error
	)
	switch typ {
	case RequestContribution:
		d, err = decodeInto[ContributionDetails](raw)
	case RequestWithdrawal:
		d, err = decodeInto[WithdrawalDetails](raw)
	case RequestFundSwap:
		d, err = decodeInto[FundSwapDetails](raw)
	case RequestTransferInternal:
		d, err = decodeInto[TransferInternalDetails](raw)
	case RequestTransferExternalOut:
		d, err = decodeInto[TransferExternalOutDetails](raw)
	case RequestTransferExternalIn:
		d, err = decodeInto[TransferExternalInDetails](raw)
	case RequestPortabilityOut:
		d, err = decodeInto[PortabilityOutDetails](raw)
	case RequestPortabilityIn:
		d, err = decodeInto[PortabilityInDetails](raw)
	case RequestBrokerageWithdrawal:
		d, err = decodeInto[BrokerageWithdrawalDetails](raw)
	default:
		return nil, fmt.Errorf("unknown request type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", typ, err)
	}
	return d, nil
}

func decodeInto[T RequestDetails](raw string) (RequestDetails, error) {
	var v T
	if raw == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
