package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"giftescrow/internal/asset"
	"giftescrow/internal/chain"
	"giftescrow/internal/config"
	"giftescrow/internal/journal"
	"giftescrow/internal/ledger"
	"giftescrow/internal/node"
	"giftescrow/internal/sigauth"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	feeAddr    = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

type testEnv struct {
	srv     *Server
	store   *journal.MemoryStore
	heights *chain.ManualHeight
	sender  *ecdsa.PrivateKey
	friend  *ecdsa.PrivateKey
	// clock gives every signed request its own timestamp so identical
	// bodies are distinct requests rather than resends.
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sender, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	friend, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := &config.AppConfig{}
	cfg.Genesis.Asset.Symbol = "STX"
	cfg.Genesis.Asset.Decimals = 6
	cfg.Service.SigClockSkew = time.Minute

	vault := asset.NewVault()
	if err := vault.Deposit(crypto.PubkeyToAddress(sender.PublicKey), 10_000_000); err != nil {
		t.Fatalf("genesis deposit: %v", err)
	}
	store := journal.NewMemoryStore()
	heights := chain.NewManualHeight(100)
	n, err := node.New(context.Background(), node.Options{
		Ledger: ledger.Config{
			Escrow:       escrowAddr,
			FeeRateBps:   50,
			FeeRecipient: feeAddr,
			RefundDelay:  2016,
		},
		Vault:      vault,
		Store:      store,
		Heights:    heights,
		MaxDeposit: 1_000_000,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return &testEnv{
		srv:     NewServer(cfg, n, zerolog.Nop()),
		store:   store,
		heights: heights,
		sender:  sender,
		friend:  friend,
		clock:   time.Now().Add(-30 * time.Second),
	}
}

func (e *testEnv) do(t *testing.T, key *ecdsa.PrivateKey, method, path string, body any, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if idemKey != "" {
		req.Header.Set(sigauth.HeaderIdempotencyKey, idemKey)
	}
	if key != nil {
		e.clock = e.clock.Add(time.Second)
		if err := sigauth.SignRequest(req, key, e.clock, payload); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func createBody(amount uint64, msg, secret string) map[string]any {
	return map[string]any{
		"amount":     amount,
		"message":    msg,
		"secretHash": ledger.HashSecret([]byte(secret)).String(),
	}
}

func TestCreateAndClaimGift(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "Happy birthday", "hunter2"), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if id := decode(t, rec)["giftId"]; id != float64(0) {
		t.Fatalf("expected gift id 0, got %v", id)
	}

	rec = e.do(t, nil, http.MethodGet, "/v1/gifts/0", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	gift := decode(t, rec)
	if gift["status"] != "OPEN" || gift["amount"] != float64(995_000) || gift["amountDisplay"] != "0.995" {
		t.Fatalf("unexpected gift %v", gift)
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/claim", map[string]string{"secret": "hunter2"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected claim 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/claim", map[string]string{"secret": "hunter2"}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second claim got %d", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "AlreadySettled" || body["code"] != float64(102) {
		t.Fatalf("unexpected error body %v", body)
	}

	rec = e.do(t, nil, http.MethodGet, "/v1/gifts/0/claimable", nil, "")
	if decode(t, rec)["claimable"] != false {
		t.Fatalf("claimed gift still claimable")
	}

	friendAddr := crypto.PubkeyToAddress(e.friend.PublicKey)
	rec = e.do(t, nil, http.MethodGet, "/v1/accounts/"+friendAddr.Hex(), nil, "")
	if body := decode(t, rec); body["balance"] != float64(995_000) {
		t.Fatalf("unexpected friend account %v", body)
	}
}

func TestClaimErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "", "right"), "")

	cases := []struct {
		name   string
		path   string
		body   map[string]string
		status int
		code   float64
	}{
		{"wrong secret", "/v1/gifts/0/claim", map[string]string{"secret": "wrong"}, http.StatusForbidden, 103},
		{"missing gift", "/v1/gifts/9/claim", map[string]string{"secret": "right"}, http.StatusNotFound, 101},
		{"hex secret wrong", "/v1/gifts/0/claim", map[string]string{"secretHex": "0xdeadbeef"}, http.StatusForbidden, 103},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, e.friend, http.MethodPost, tc.path, tc.body, "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if code := decode(t, rec)["code"]; code != tc.code {
				t.Fatalf("expected code %v got %v", tc.code, code)
			}
		})
	}

	rec := e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/claim", map[string]string{"secret": "a", "secretHex": "0x61"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for ambiguous secret got %d", rec.Code)
	}
	rec = e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/claim", map[string]string{"secretHex": "deadbeef"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unprefixed hex got %d", rec.Code)
	}
}

func TestEmptySecretIsLedgerDecision(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "", "right"), "")
	e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "", ""), "")

	for _, body := range []map[string]string{{}, {"secret": ""}} {
		rec := e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/claim", body, "")
		if rec.Code != http.StatusForbidden || decode(t, rec)["code"] != float64(103) {
			t.Fatalf("expected InvalidSecret for empty secret %v, got %d: %s", body, rec.Code, rec.Body.String())
		}
	}

	rec := e.do(t, e.friend, http.MethodPost, "/v1/gifts/1/claim", map[string]string{"secret": ""}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty secret should open a zero commitment, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = e.do(t, e.friend, http.MethodPost, "/v1/gifts/1/claim", map[string]string{"secretHex": "0x00"}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("padded hex form should reach the settled gift, got %d", rec.Code)
	}
}

func TestRefundFlow(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "", "s"), "")

	rec := e.do(t, e.sender, http.MethodPost, "/v1/gifts/0/refund", nil, "")
	if rec.Code != http.StatusConflict || decode(t, rec)["code"] != float64(105) {
		t.Fatalf("expected TooEarly 409 got %d: %s", rec.Code, rec.Body.String())
	}

	e.heights.Advance(2016)
	rec = e.do(t, e.friend, http.MethodPost, "/v1/gifts/0/refund", nil, "")
	if rec.Code != http.StatusForbidden || decode(t, rec)["code"] != float64(104) {
		t.Fatalf("expected NotSender 403 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, e.sender, http.MethodPost, "/v1/gifts/0/refund", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected refund 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, nil, http.MethodGet, "/v1/gifts/0", nil, "")
	if decode(t, rec)["status"] != "REFUNDED" {
		t.Fatalf("gift not refunded: %s", rec.Body.String())
	}
}

func TestCreateRejections(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(0, "", "s"), "")
	if rec.Code != http.StatusBadRequest || decode(t, rec)["code"] != float64(106) {
		t.Fatalf("expected ZeroAmount 400 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(50_000_000, "", "s"), "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for insufficient balance got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(10, strings.Repeat("x", node.MaxMessageLen+1), "s"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long message got %d", rec.Code)
	}

	bad := map[string]any{"amount": 10, "message": "", "secretHash": "0x1234"}
	rec = e.do(t, e.sender, http.MethodPost, "/v1/gifts", bad, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short hash got %d", rec.Code)
	}

	if e.store.Len() != 2 {
		t.Fatalf("expected only ledger-level rejections journaled, got %d", e.store.Len())
	}
}

func TestResentSignedCreateRunsOnce(t *testing.T) {
	e := newTestEnv(t)
	payload, _ := json.Marshal(createBody(1_000_000, "once", "s"))

	signed := httptest.NewRequest(http.MethodPost, "/v1/gifts", bytes.NewReader(payload))
	if err := sigauth.SignRequest(signed, e.sender, time.Now(), payload); err != nil {
		t.Fatalf("sign: %v", err)
	}
	send := func(extra map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/gifts", bytes.NewReader(payload))
		req.Header = signed.Header.Clone()
		for k, v := range extra {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := send(nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}
	again := send(nil)
	if again.Code != http.StatusCreated || again.Header().Get(headerReplay) != "true" {
		t.Fatalf("resend should replay the original receipt, got %d replay=%q", again.Code, again.Header().Get(headerReplay))
	}
	if decode(t, again)["giftId"] != float64(0) {
		t.Fatalf("resend created another gift: %s", again.Body.String())
	}

	if rec := send(map[string]string{sigauth.HeaderIdempotencyKey: "chosen-later"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unsigned idempotency key, got %d", rec.Code)
	}

	sender := crypto.PubkeyToAddress(e.sender.PublicKey)
	rec := e.do(t, nil, http.MethodGet, "/v1/accounts/"+sender.Hex(), nil, "")
	if body := decode(t, rec); body["balance"] != float64(9_000_000) {
		t.Fatalf("sender debited more than once: %v", body)
	}
	if e.store.Len() != 1 {
		t.Fatalf("expected one journaled create, got %d", e.store.Len())
	}
}

func TestResentSignedDepositRunsOnce(t *testing.T) {
	e := newTestEnv(t)
	payload, _ := json.Marshal(map[string]uint64{"amount": 100_000})
	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", bytes.NewReader(payload))
	if err := sigauth.SignRequest(req, e.friend, time.Now(), payload); err != nil {
		t.Fatalf("sign: %v", err)
	}
	for i := 0; i < 3; i++ {
		resend := httptest.NewRequest(http.MethodPost, "/v1/deposits", bytes.NewReader(payload))
		resend.Header = req.Header.Clone()
		rec := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(rec, resend)
		if rec.Code != http.StatusOK {
			t.Fatalf("deposit %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	friend := crypto.PubkeyToAddress(e.friend.PublicKey)
	rec := e.do(t, nil, http.MethodGet, "/v1/accounts/"+friend.Hex(), nil, "")
	if body := decode(t, rec); body["balance"] != float64(100_000) {
		t.Fatalf("deposit applied more than once: %v", body)
	}
}

func TestOversizedSignedBodyRejected(t *testing.T) {
	e := newTestEnv(t)
	payload := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/gifts", bytes.NewReader(payload))
	if err := sigauth.SignRequest(req, e.sender, time.Now(), payload); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", rec.Code)
	}
}

func TestUnsignedWriteRejected(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, nil, http.MethodPost, "/v1/gifts", createBody(1_000, "", "s"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if e.store.Len() != 0 {
		t.Fatalf("unsigned request reached the journal")
	}
}

func TestCreateIdempotency(t *testing.T) {
	e := newTestEnv(t)
	body := createBody(1_000_000, "once", "s")

	first := e.do(t, e.sender, http.MethodPost, "/v1/gifts", body, "key-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", first.Code)
	}
	second := e.do(t, e.sender, http.MethodPost, "/v1/gifts", body, "key-1")
	if second.Code != http.StatusCreated || second.Header().Get(headerReplay) != "true" {
		t.Fatalf("expected replayed 201 got %d replay=%q", second.Code, second.Header().Get(headerReplay))
	}
	if decode(t, first)["giftId"] != decode(t, second)["giftId"] {
		t.Fatalf("replay returned a different gift")
	}
	if e.store.Len() != 1 {
		t.Fatalf("replayed create was journaled again")
	}

	other := e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(2_000_000, "twice", "s"), "key-1")
	if other.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key got %d", other.Code)
	}
}

func TestGetGiftAbsentAndBadID(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, nil, http.MethodGet, "/v1/gifts/42", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := e.do(t, nil, http.MethodGet, "/v1/gifts/abc", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	rec := e.do(t, nil, http.MethodGet, "/v1/gifts/42/claimable", nil, "")
	if rec.Code != http.StatusOK || decode(t, rec)["claimable"] != false {
		t.Fatalf("absent gift should not be claimable: %s", rec.Body.String())
	}
}

func TestFeeInfoAndDeposit(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, nil, http.MethodGet, "/v1/fee-info", nil, "")
	info := decode(t, rec)
	if info["rateBps"] != float64(50) || info["refundDelay"] != float64(2016) {
		t.Fatalf("unexpected fee info %v", info)
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/deposits", map[string]uint64{"amount": 250_000}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected deposit 200 got %d: %s", rec.Code, rec.Body.String())
	}
	account, _ := decode(t, rec)["account"].(map[string]any)
	if account["balance"] != float64(250_000) || account["balanceDisplay"] != "0.25" {
		t.Fatalf("unexpected account %v", account)
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/deposits", map[string]string{"amountDecimal": "0.5"}, "")
	account, _ = decode(t, rec)["account"].(map[string]any)
	if rec.Code != http.StatusOK || account["balance"] != float64(750_000) {
		t.Fatalf("decimal deposit failed %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/deposits", map[string]string{"amountDecimal": "0.0000001"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected sub-unit precision to be rejected, got %d", rec.Code)
	}

	rec = e.do(t, e.friend, http.MethodPost, "/v1/deposits", map[string]uint64{"amount": 2_000_000}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected deposit above cap to be rejected, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, e.sender, http.MethodPost, "/v1/gifts", createBody(1_000_000, "", "s"), "")

	rec := e.do(t, nil, http.MethodGet, "/v1/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200 got %d", rec.Code)
	}
	health := decode(t, rec)
	if health["status"] != "healthy" || health["journal_entries"] != float64(1) {
		t.Fatalf("unexpected health %v", health)
	}
	if health["escrow_balance"] != float64(995_000) || health["supply"] != float64(10_000_000) {
		t.Fatalf("escrow does not reconcile with open gifts: %v", health)
	}

	rec = e.do(t, nil, http.MethodGet, "/v1/accounts", nil, "")
	accounts, _ := decode(t, rec)["accounts"].([]any)
	if len(accounts) != 3 {
		t.Fatalf("expected sender, escrow and fee accounts, got %v", accounts)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	rec = e.do(t, nil, http.MethodGet, "/v1/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200 got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`giftescrow_transactions_total{kind="create",result="ok"} 1`,
		"giftescrow_open_gifts 1",
		"giftescrow_locked_amount 995000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
