// Package ledger defines the contracts of the external collaborators the
// funding workflows drive: escrow initialization, wallet signing,
// transaction submission, funding-record persistence and milestone
// submission. Failures crossing these contracts are classified here.
package ledger

import (
	"context"
	"strings"

	"fundflow/native/funding"
)

// Status is the outcome reported by a collaborator response.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// OK reports whether the status denotes success.
func (s Status) OK() bool {
	return strings.EqualFold(strings.TrimSpace(string(s)), string(StatusSuccess))
}

// Roles binds the escrow roles to ledger addresses.
type Roles struct {
	Approver        string `json:"approver"`
	ServiceProvider string `json:"serviceProvider"`
	PlatformAddress string `json:"platformAddress"`
	ReleaseSigner   string `json:"releaseSigner"`
	DisputeResolver string `json:"disputeResolver"`
}

// SingleSignerRoles binds every role to one address.
func SingleSignerRoles(addr string) Roles {
	return Roles{
		Approver:        addr,
		ServiceProvider: addr,
		PlatformAddress: addr,
		ReleaseSigner:   addr,
		DisputeResolver: addr,
	}
}

// MilestoneRequest describes one milestone of an escrow deployment.
type MilestoneRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Receiver    string `json:"receiver,omitempty"`
}

// EscrowDeployment is the request sent to initialize an escrow and the
// record of the attempt. UnsignedTransaction is set once initialization
// succeeds and ContractID once the signed transaction is submitted.
type EscrowDeployment struct {
	EngagementID        string             `json:"engagementId"`
	Title               string             `json:"title"`
	Description         string             `json:"description"`
	PlatformFeePercent  float64            `json:"platformFee"`
	TrustlineAddress    string             `json:"trustlineAddress"`
	Roles               Roles              `json:"roles"`
	Milestones          []MilestoneRequest `json:"milestones"`
	UnsignedTransaction string             `json:"unsignedTransaction,omitempty"`
	ContractID          string             `json:"contractId,omitempty"`
	TransactionHash     string             `json:"transactionHash,omitempty"`
}

// Clone returns a copy whose milestone slice is not shared.
func (d *EscrowDeployment) Clone() *EscrowDeployment {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Milestones = append([]MilestoneRequest(nil), d.Milestones...)
	return &clone
}

// InitResponse is returned by escrow initialization.
type InitResponse struct {
	Status              Status `json:"status"`
	UnsignedTransaction string `json:"unsignedTransaction"`
	Message             string `json:"message,omitempty"`
}

// SignRequest asks the wallet to sign an unsigned transaction.
type SignRequest struct {
	UnsignedTransaction string `json:"unsignedTransaction"`
	SignerAddress       string `json:"signerAddress"`
}

// SignResponse carries the signed transaction envelope.
type SignResponse struct {
	SignedTransaction string `json:"signedTransaction"`
}

// SubmitRequest submits a signed transaction to the ledger.
type SubmitRequest struct {
	SignedTransaction string `json:"signedXdr"`
}

// SubmitResponse is returned by transaction submission.
type SubmitResponse struct {
	Status          Status `json:"status"`
	ContractID      string `json:"contractId"`
	EscrowAddress   string `json:"escrowAddress,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Message         string `json:"message,omitempty"`
}

// FundingRecord is persisted once an escrow is deployed.
type FundingRecord struct {
	EngagementID    string         `json:"engagementId"`
	Owner           string         `json:"owner"`
	Draft           *funding.Draft `json:"draft"`
	ContractID      string         `json:"contractId"`
	EscrowAddress   string         `json:"escrowAddress"`
	TransactionHash string         `json:"transactionHash"`
}

// RecordResponse is returned by funding-record persistence.
type RecordResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MilestoneSubmission creates one milestone paying a receiver.
type MilestoneSubmission struct {
	EscrowID       string `json:"contractId"`
	Description    string `json:"description"`
	Amount         string `json:"amount"`
	Receiver       string `json:"receiver"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// MilestoneResponse is returned by milestone submission.
type MilestoneResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// EscrowState summarises a deployed escrow.
type EscrowState struct {
	ContractID string `json:"contractId"`
	Funded     bool   `json:"funded"`
	Balance    string `json:"balance"`
	Currency   string `json:"currency,omitempty"`
}

// EscrowInitializer deploys escrows.
type EscrowInitializer interface {
	InitializeEscrow(ctx context.Context, req EscrowDeployment) (*InitResponse, error)
}

// TransactionSigner signs transactions on behalf of an operator. Signing
// may take arbitrarily long since it waits for the operator.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, req SignRequest) (*SignResponse, error)
}

// Wallet is the signing capability handed to a workflow together with the
// address it signs for.
type Wallet interface {
	TransactionSigner
	Address() string
}

// TransactionSubmitter submits signed transactions.
type TransactionSubmitter interface {
	SubmitTransaction(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// FundingRecorder persists deployed campaigns.
type FundingRecorder interface {
	RecordFunding(ctx context.Context, rec FundingRecord) (*RecordResponse, error)
}

// MilestoneSubmitter creates escrow milestones.
type MilestoneSubmitter interface {
	SubmitMilestone(ctx context.Context, req MilestoneSubmission) (*MilestoneResponse, error)
}

// EscrowInspector reads escrow state.
type EscrowInspector interface {
	GetEscrow(ctx context.Context, contractID string) (*EscrowState, error)
}
