package fundflowd

import (
	"context"
	"strings"

	"fundflow/services/ledger"
)

type signatureKey struct{}

// signature is the operator's answer to a signing request, relayed from
// their wallet through the sign endpoint.
type signature struct {
	signed   string
	rejected bool
}

func withSignature(ctx context.Context, sig signature) context.Context {
	return context.WithValue(ctx, signatureKey{}, sig)
}

// operatorSigner is the daemon side of the operator's wallet. The daemon
// never holds keys: the signed envelope arrives with the sign request.
type operatorSigner struct {
	address string
}

var _ ledger.Wallet = operatorSigner{}

func (s operatorSigner) Address() string { return s.address }

func (s operatorSigner) SignTransaction(ctx context.Context, req ledger.SignRequest) (*ledger.SignResponse, error) {
	sig, ok := ctx.Value(signatureKey{}).(signature)
	if !ok {
		return nil, &ledger.SignerError{Reason: ledger.SignerDisconnected, Detail: "no signature supplied"}
	}
	if sig.rejected {
		return nil, &ledger.SignerError{Reason: ledger.SignerRejected, Detail: "operator declined to sign"}
	}
	signed := strings.TrimSpace(sig.signed)
	if signed == "" || signed == strings.TrimSpace(req.UnsignedTransaction) {
		return nil, &ledger.SignerError{Reason: ledger.SignerInvalidFormat, Detail: "signed transaction missing"}
	}
	return &ledger.SignResponse{SignedTransaction: signed}, nil
}
