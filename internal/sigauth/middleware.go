// Package sigauth identifies the caller of a request from an EIP-191 personal
// signature over the request timestamp, method, path, idempotency key and body.
package sigauth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderCaller         = "X-Caller-Address"
	HeaderSignature      = "X-Caller-Signature"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderIdempotencyKey = "X-Idempotency-Key"

	// DefaultMaxBodyBytes caps how much of an unauthenticated body is read.
	DefaultMaxBodyBytes = 64 << 10
)

var (
	ErrMissingSignature = errors.New("missing caller signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid caller signature")
	ErrMissingCaller    = errors.New("missing caller address")
	ErrCallerMismatch   = errors.New("signature does not match caller address")
)

type authKey struct{}

type authenticated struct {
	caller common.Address
	digest common.Hash
}

// CallerFrom returns the authenticated caller stored by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(authKey{}).(authenticated)
	return a.caller, ok
}

// DigestFrom returns the digest identifying the signed request: the signer
// together with everything it signed. Resending the same request yields the
// same digest, whatever the signature bytes look like.
func DigestFrom(ctx context.Context) (common.Hash, bool) {
	a, ok := ctx.Value(authKey{}).(authenticated)
	return a.digest, ok && a.digest != (common.Hash{})
}

// WithCaller stores addr as the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, authKey{}, authenticated{caller: addr})
}

type Verifier struct {
	MaxSkew time.Duration
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Now          func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := v.MaxBodyBytes
		if limit <= 0 {
			limit = DefaultMaxBodyBytes
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}

		auth, err := v.verify(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey{}, auth)))
	})
}

func (v *Verifier) verify(r *http.Request) (authenticated, error) {
	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return authenticated{}, ErrMissingSignature
	}
	claimed := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(claimed) {
		return authenticated{}, ErrMissingCaller
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return authenticated{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return authenticated{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return authenticated{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return authenticated{}, err
	}

	hash := accounts.TextHash(signingPayload(tsHeader, r.Method, r.URL.Path, r.Header.Get(HeaderIdempotencyKey), body))
	caller, err := recoverCaller(sig, hash)
	if err != nil {
		return authenticated{}, err
	}
	// Any change to the signed content recovers some other address.
	if caller != common.HexToAddress(claimed) {
		return authenticated{}, ErrCallerMismatch
	}
	return authenticated{
		caller: caller,
		digest: crypto.Keccak256Hash(caller.Bytes(), hash),
	}, nil
}

func signingPayload(timestamp, method, path, idempotencyKey string, body []byte) []byte {
	var b strings.Builder
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(idempotencyKey)
	b.WriteByte('\n')
	b.Write(body)
	return []byte(b.String())
}

func recoverCaller(sigHex string, hash []byte) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// Wallets emit V as 27/28; crypto expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the signature header value for a request, as a wallet would.
// idempotencyKey is the X-Idempotency-Key header value, empty when unset.
func Sign(key *ecdsa.PrivateKey, timestamp, method, path, idempotencyKey string, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(signingPayload(timestamp, method, path, idempotencyKey, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignRequest sets the caller, timestamp and signature headers on r. Set the
// idempotency key header, if any, before calling it.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time, body []byte) error {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, ts, r.Method, r.URL.Path, r.Header.Get(HeaderIdempotencyKey), body)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}
