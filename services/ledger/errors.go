package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies collaborator failures.
type Kind string

const (
	// KindUnavailable covers network failures and timeouts.
	KindUnavailable Kind = "unavailable"
	// KindUserCancelled means the operator declined to sign.
	KindUserCancelled Kind = "user_cancelled"
	// KindMalformed means the collaborator reported success but omitted a
	// required field, or sent something that could not be decoded.
	KindMalformed Kind = "malformed_response"
	// KindRejected means the collaborator answered with a failure status.
	KindRejected Kind = "rejected"
	// KindInternal covers anything else.
	KindInternal Kind = "internal"
)

// Op names the collaborator operation that failed.
type Op string

const (
	OpInitialize   Op = "initialize_escrow"
	OpSign         Op = "sign_transaction"
	OpSubmit       Op = "submit_transaction"
	OpPersist      Op = "record_funding"
	OpMilestone    Op = "submit_milestone"
	OpAnnounce     Op = "publish_announcement"
	OpLatch        Op = "milestone_latch"
	OpInspect      Op = "get_escrow"
	OpRecordPayout Op = "record_payouts"
)

var (
	ErrUnavailable       = errors.New("ledger: collaborator unavailable")
	ErrUserCancelled     = errors.New("ledger: signing cancelled by operator")
	ErrMalformedResponse = errors.New("ledger: malformed collaborator response")
	ErrRejected          = errors.New("ledger: collaborator rejected request")
	ErrInternal          = errors.New("ledger: internal error")
)

// Error is a classified collaborator failure. Message is safe to show to
// operators; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Op      Op
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindUnavailable:
		return ErrUnavailable
	case KindUserCancelled:
		return ErrUserCancelled
	case KindMalformed:
		return ErrMalformedResponse
	case KindRejected:
		return ErrRejected
	default:
		return ErrInternal
	}
}

// SignerReason enumerates wallet signing failures.
type SignerReason string

const (
	SignerRejected      SignerReason = "user_rejected"
	SignerInvalidFormat SignerReason = "invalid_format"
	SignerDisconnected  SignerReason = "disconnected"
)

// SignerError is returned by wallets.
type SignerError struct {
	Reason SignerReason
	Detail string
}

func (e *SignerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("wallet: %s", e.Reason)
	}
	return fmt.Sprintf("wallet: %s: %s", e.Reason, e.Detail)
}

// HTTPStatusError is returned by HTTP based collaborators for non-200
// replies.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// RPCError mirrors a JSON-RPC error object.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Rejected builds the error for a failure status reply.
func Rejected(op Op, message string) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "request was rejected"
	}
	return &Error{Kind: KindRejected, Op: op, Message: msg}
}

// Malformed builds the error for a success reply missing a required field.
func Malformed(op Op, field string) *Error {
	return &Error{Kind: KindMalformed, Op: op, Message: fmt.Sprintf("response is missing %s", field)}
}

// Classify maps any error raised while calling a collaborator onto the
// taxonomy. It is the only place transport errors are interpreted.
func Classify(op Op, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		if classified.Op == "" {
			stamped := *classified
			stamped.Op = op
			return &stamped
		}
		return classified
	}
	var signerErr *SignerError
	if errors.As(err, &signerErr) {
		switch signerErr.Reason {
		case SignerRejected:
			return &Error{Kind: KindUserCancelled, Op: op, Message: "signature request was declined", Err: err}
		case SignerInvalidFormat:
			return &Error{Kind: KindMalformed, Op: op, Message: "transaction could not be signed", Err: err}
		default:
			return &Error{Kind: KindUnavailable, Op: op, Message: "wallet is not connected", Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		if op == OpSign {
			return &Error{Kind: KindUserCancelled, Op: op, Message: "signature request was cancelled", Err: err}
		}
		return &Error{Kind: KindUnavailable, Op: op, Message: "request was cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnavailable, Op: op, Message: "service timed out", Err: err}
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusRequestTimeout {
			return &Error{Kind: KindUnavailable, Op: op, Message: "service is unavailable", Err: err}
		}
		return &Error{Kind: KindRejected, Op: op, Message: "request was rejected", Err: err}
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return &Error{Kind: KindRejected, Op: op, Message: "request was rejected", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindUnavailable, Op: op, Message: "service is unreachable", Err: err}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Kind: KindMalformed, Op: op, Message: "response could not be decoded", Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Message: "unexpected error", Err: err}
}

// KindOf returns the kind of a classified error, KindInternal otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// UserMessage returns operator facing text without transport details.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if !errors.As(err, &classified) {
		return "Something went wrong. Please try again."
	}
	switch classified.Kind {
	case KindUnavailable:
		return fmt.Sprintf("%s is temporarily unavailable. Your data was kept; please retry.", opLabel(classified.Op))
	case KindUserCancelled:
		return "The transaction was not signed. You can sign again when ready."
	case KindMalformed:
		return fmt.Sprintf("%s returned an incomplete response. Please retry.", opLabel(classified.Op))
	case KindRejected:
		return fmt.Sprintf("%s was rejected: %s", opLabel(classified.Op), classified.Message)
	default:
		return "Something went wrong. Please try again."
	}
}

func opLabel(op Op) string {
	switch op {
	case OpInitialize:
		return "Escrow deployment"
	case OpSign:
		return "Wallet signing"
	case OpSubmit:
		return "Transaction submission"
	case OpPersist:
		return "Saving the campaign"
	case OpMilestone:
		return "Milestone creation"
	case OpAnnounce:
		return "Publishing the announcement"
	case OpInspect:
		return "Escrow lookup"
	default:
		return "The request"
	}
}
