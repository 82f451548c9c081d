package fundflowd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"fundflow/services/ledger"
)

func signClaims(t *testing.T, method jwt.SigningMethod, claims OperatorClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func validClaims() OperatorClaims {
	return OperatorClaims{
		Wallet: operatorAddr,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Issuer:    "fundflow",
			Audience:  jwt.ClaimStrings{"fundflow-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{JWTSecret: testSecret, Issuer: "fundflow", Audience: "fundflow-api"})
	require.NoError(t, err)

	op, err := auth.Verify(signClaims(t, jwt.SigningMethodHS256, validClaims()))
	require.NoError(t, err)
	require.Equal(t, "operator-1", op.Subject)
	require.Equal(t, operatorAddr, op.Wallet)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{JWTSecret: testSecret, Issuer: "fundflow"})
	require.NoError(t, err)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	noSubject := validClaims()
	noSubject.Subject = ""
	badWallet := validClaims()
	badWallet.Wallet = "GNOTANADDRESS"

	cases := map[string]string{
		"expired":      signClaims(t, jwt.SigningMethodHS256, expired),
		"wrong issuer": signClaims(t, jwt.SigningMethodHS256, wrongIssuer),
		"no expiry":    signClaims(t, jwt.SigningMethodHS256, noExpiry),
		"no subject":   signClaims(t, jwt.SigningMethodHS256, noSubject),
		"bad wallet":   signClaims(t, jwt.SigningMethodHS256, badWallet),
		"wrong alg":    signClaims(t, jwt.SigningMethodHS512, validClaims()),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Verify(token)
			require.Error(t, err)
		})
	}
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{})
	require.Error(t, err)
}

func TestMiddlewareStoresOperator(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{JWTSecret: testSecret})
	require.NoError(t, err)
	var seen Operator
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+signClaims(t, jwt.SigningMethodHS256, validClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "operator-1", seen.Subject)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorSignerRelaysSignature(t *testing.T) {
	signer := operatorSigner{address: operatorAddr}
	req := ledger.SignRequest{UnsignedTransaction: "AAAAunsigned", SignerAddress: operatorAddr}

	_, err := signer.SignTransaction(context.Background(), req)
	require.Equal(t, ledger.KindUnavailable, ledger.Classify(ledger.OpSign, err).Kind)

	_, err = signer.SignTransaction(withSignature(context.Background(), signature{rejected: true}), req)
	require.Equal(t, ledger.KindUserCancelled, ledger.Classify(ledger.OpSign, err).Kind)

	_, err = signer.SignTransaction(withSignature(context.Background(), signature{signed: "AAAAunsigned"}), req)
	require.Equal(t, ledger.KindMalformed, ledger.Classify(ledger.OpSign, err).Kind)

	resp, err := signer.SignTransaction(withSignature(context.Background(), signature{signed: " AAAAsigned "}), req)
	require.NoError(t, err)
	require.Equal(t, "AAAAsigned", resp.SignedTransaction)
}
