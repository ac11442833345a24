package signature

import (
	"errors"
	"strings"

	"halo-indexer/halo/types"
)

// MockPrefix marks development signatures produced without a wallet.
const MockPrefix = "mock:"

var (
	ErrMissingSignature = errors.New("signature is required")
	ErrMissingPubKey    = errors.New("pubkey is required when signatures are enforced")
	ErrMockRejected     = errors.New("mock signatures are not accepted")
)

type Request struct {
	Content     string
	Timestamp   int64
	UserAddress string
	Signature   string
	PubKey      string
}

type Result struct {
	Status string
	Err    error
}

// Accepted reports whether the post may be stored under the verifier policy.
func (r Result) Accepted() bool { return r.Err == nil }

type Verifier struct {
	Enforce        bool
	BundleID       string
	AddressVersion byte
}

func IsMock(sig string) bool {
	return strings.HasPrefix(sig, MockPrefix)
}

// Check verifies req and applies the enforcement policy. With enforcement
// off every post is accepted and the outcome is only recorded.
func (v *Verifier) Check(req Request) Result {
	if req.Signature == "" {
		if v.Enforce {
			return Result{Status: types.SignatureInvalid, Err: ErrMissingSignature}
		}
		return Result{Status: types.SignatureSkipped}
	}
	if IsMock(req.Signature) {
		if v.Enforce {
			return Result{Status: types.SignatureInvalid, Err: ErrMockRejected}
		}
		return Result{Status: types.SignatureSkipped}
	}
	if v.Enforce && req.PubKey == "" {
		return Result{Status: types.SignatureInvalid, Err: ErrMissingPubKey}
	}

	msg := CanonicalMessage(req.Content, req.Timestamp, req.UserAddress, v.BundleID)
	if err := VerifyBase64(msg, req.Signature, req.PubKey, req.UserAddress, v.addressVersion()); err != nil {
		if v.Enforce {
			return Result{Status: types.SignatureInvalid, Err: err}
		}
		return Result{Status: types.SignatureInvalid}
	}
	return Result{Status: types.SignatureValid}
}

func (v *Verifier) addressVersion() byte {
	if v.AddressVersion == 0 {
		return DefaultAddressVersion
	}
	return v.AddressVersion
}
