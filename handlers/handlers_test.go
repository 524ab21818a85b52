package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/binding"
	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/epoch"
	"github.com/rustchain/rustchain-go/fingerprint"
	"github.com/rustchain/rustchain-go/gossip"
	"github.com/rustchain/rustchain-go/handlers"
	"github.com/rustchain/rustchain-go/ledger"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
	"github.com/rustchain/rustchain-go/routers"
	"github.com/rustchain/rustchain-go/weight"
)

const genesis = 1_000_000

type mockStore struct {
	mu sync.Mutex

	identities  map[string]*models.HardwareIdentity
	weights     map[uint64]map[string]*models.EpochWeightEntry
	settlements map[uint64]*models.EpochSettlement
	carry       int64
	accounts    map[string]*models.Account
	entries     map[string][]*models.LedgerEntry
	nonces      map[string]bool
	records     map[string]*models.GossipRecord
}

func newMockStore() *mockStore {
	return &mockStore{
		identities:  make(map[string]*models.HardwareIdentity),
		weights:     make(map[uint64]map[string]*models.EpochWeightEntry),
		settlements: make(map[uint64]*models.EpochSettlement),
		accounts:    make(map[string]*models.Account),
		entries:     make(map[string][]*models.LedgerEntry),
		nonces:      make(map[string]bool),
		records:     make(map[string]*models.GossipRecord),
	}
}

func (m *mockStore) PutIdentity(id *models.HardwareIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *id
	m.identities[id.Key] = &cp
	return nil
}

func (m *mockStore) GetIdentity(key string) (*models.HardwareIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *mockStore) AllIdentities() ([]*models.HardwareIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*models.HardwareIdentity
	for _, id := range m.identities {
		cp := *id
		res = append(res, &cp)
	}
	return res, nil
}

func (m *mockStore) PutEntry(entry *models.EpochWeightEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.weights[entry.Epoch] == nil {
		m.weights[entry.Epoch] = make(map[string]*models.EpochWeightEntry)
	}
	cp := *entry
	m.weights[entry.Epoch][entry.IdentityKey] = &cp
	return nil
}

func (m *mockStore) GetEntry(ep uint64, identity string) (*models.EpochWeightEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.weights[ep][identity]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *mockStore) EntriesByEpoch(ep uint64) ([]*models.EpochWeightEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*models.EpochWeightEntry
	for _, entry := range m.weights[ep] {
		cp := *entry
		res = append(res, &cp)
	}
	return res, nil
}

func (m *mockStore) GetSettlement(ep uint64) (*models.EpochSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[ep]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (m *mockStore) GetCarry() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.carry, nil
}

func (m *mockStore) GetAccount(address string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *mockStore) PutAccount(acct *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[acct.Address] = &cp
	return nil
}

func (m *mockStore) IsNonceUsed(address string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[fmt.Sprintf("%s:%d", address, nonce)], nil
}

func (m *mockStore) ApplyTransfer(from, to *models.Account, debit, credit *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, t := *from, *to
	m.accounts[from.Address] = &f
	m.accounts[to.Address] = &t
	m.entries[from.Address] = append(m.entries[from.Address], debit)
	m.entries[to.Address] = append(m.entries[to.Address], credit)
	m.nonces[fmt.Sprintf("%s:%d", from.Address, debit.Nonce)] = true
	return nil
}

func (m *mockStore) ApplyCredits(accounts []*models.Account, entries []*models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range accounts {
		cp := *acct
		m.accounts[acct.Address] = &cp
	}
	for _, e := range entries {
		m.entries[e.To] = append(m.entries[e.To], e)
	}
	return nil
}

func (m *mockStore) ApplySettlement(st *models.EpochSettlement, accounts []*models.Account, entries []*models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[st.Epoch] = st
	m.carry = st.CarriedOver
	for _, acct := range accounts {
		cp := *acct
		m.accounts[acct.Address] = &cp
	}
	for _, e := range entries {
		m.entries[e.To] = append(m.entries[e.To], e)
	}
	return nil
}

func (m *mockStore) EntriesByAddress(address string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.LedgerEntry(nil), m.entries[address]...), nil
}

func (m *mockStore) PutRecord(rec *models.GossipRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Hash] = rec
	return nil
}

func (m *mockStore) GetRecord(hash string) (*models.GossipRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

type testEnv struct {
	router *mux.Router
	store  *mockStore
	ledger *ledger.Service
	clock  int64
}

func testServer() *testEnv {
	logger.Logger = zap.NewNop()

	store := newMockStore()
	ledgerSvc := ledger.NewService(store)
	gossipSvc := gossip.NewService(store, nil)

	params := epoch.DefaultParams()
	params.GenesisTimestamp = genesis

	env := &testEnv{store: store, ledger: ledgerSvc, clock: genesis}
	engine := epoch.NewEngine(
		params, store, store, ledgerSvc,
		fingerprint.NewValidator(fingerprint.DefaultReferenceTable()),
		binding.NewBinder(store),
		weight.NewCalculator(weight.DefaultParams()),
		gossipSvc, nil,
	)
	engine.SetClock(func() int64 { return env.clock })

	handler := handlers.NewHandler(engine, ledgerSvc, gossipSvc, gossip.NewFeed())
	handler.SetClock(func() int64 { return env.clock })

	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler, handlers.NewRateLimiter(1000, 1000))
	env.router = router
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)
	return res
}

func evidenceJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal evidence: %v", err)
	}
	return raw
}

func signedReport(t *testing.T, kp *crypto.Keypair, ts int64) *models.FingerprintReport {
	t.Helper()
	samples := make([]float64, 20)
	for i := range samples {
		samples[i] = 8000 + float64(i%7)*45
	}
	report := &models.FingerprintReport{
		Device: models.DeviceClaims{Arch: "ppc", Family: "g4", Cores: 1, Year: 2002},
		Checks: map[string]models.CheckResult{
			models.CheckClockDrift: {Passed: true, Evidence: evidenceJSON(t, fingerprint.TimingEvidence{
				Samples: samples, DriftStdev: 120,
			})},
			models.CheckCacheTiming: {Passed: true, Evidence: evidenceJSON(t, fingerprint.CacheEvidence{
				L1Ns: 2.1, L2Ns: 6.4, L3Ns: 21.8,
			})},
			models.CheckSIMDIdentity: {Passed: true, Evidence: evidenceJSON(t, fingerprint.SIMDEvidence{
				Arch: "ppc", Flags: []string{"altivec"},
			})},
			models.CheckThermalDrift: {Passed: true, Evidence: evidenceJSON(t, fingerprint.ThermalEvidence{
				ColdAvgNs: 90000, HotAvgNs: 97000, ColdStdev: 800, HotStdev: 1100,
			})},
			models.CheckInstructionJitter: {Passed: true, Evidence: evidenceJSON(t, fingerprint.TimingEvidence{
				Samples: samples,
			})},
			models.CheckAntiEmulation: {Passed: true, Evidence: evidenceJSON(t, fingerprint.EmulationEvidence{
				Indicators: []string{},
			})},
		},
		Timestamp: ts,
		Address:   kp.Address(),
		PublicKey: kp.PublicHex(),
	}
	sig, err := kp.SignJSON(report.SigningView())
	if err != nil {
		t.Fatalf("sign report: %v", err)
	}
	report.Signature = sig
	return report
}

func newKeypair(t *testing.T) *crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestSubmitAttestation_Success(t *testing.T) {
	env := testServer()
	kp := newKeypair(t)

	res := env.do(t, http.MethodPost, "/attest/submit", signedReport(t, kp, env.clock))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}

	var result epoch.AttestationResult
	if err := json.Unmarshal(res.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected accepted, got reasons: %v", result.Reasons)
	}
	if result.Tier != models.TierClassic {
		t.Fatalf("expected classic tier, got %s", result.Tier)
	}
	if result.Multiplier != 2_500_000 {
		t.Fatalf("expected multiplier 2500000, got %d", result.Multiplier)
	}
}

func TestSubmitAttestation_VMDetected(t *testing.T) {
	env := testServer()
	kp := newKeypair(t)

	report := signedReport(t, kp, env.clock)
	report.Checks[models.CheckAntiEmulation] = models.CheckResult{
		Passed: true,
		Evidence: evidenceJSON(t, fingerprint.EmulationEvidence{
			Indicators: []string{"/sys/class/dmi/id/sys_vendor:VMware"},
		}),
	}
	sig, err := kp.SignJSON(report.SigningView())
	if err != nil {
		t.Fatalf("re-sign report: %v", err)
	}
	report.Signature = sig

	res := env.do(t, http.MethodPost, "/attest/submit", report)
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d, body: %s", res.Code, res.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["code"] != handlers.CodeVMDetected {
		t.Fatalf("expected code VM_DETECTED, got %v", body["code"])
	}
}

func TestSubmitAttestation_BadSignature(t *testing.T) {
	env := testServer()
	kp := newKeypair(t)

	report := signedReport(t, kp, env.clock)
	report.Timestamp++

	res := env.do(t, http.MethodPost, "/attest/submit", report)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitAttestation_HardwareBoundElsewhere(t *testing.T) {
	env := testServer()

	// httptest requests share one RemoteAddr, so both wallets present
	// the same origin and device traits.
	res := env.do(t, http.MethodPost, "/attest/submit", signedReport(t, newKeypair(t), env.clock))
	if res.Code != http.StatusOK {
		t.Fatalf("first attestation failed: %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, "/attest/submit", signedReport(t, newKeypair(t), env.clock))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["code"] != handlers.CodeHardwareBound {
		t.Fatalf("expected code HARDWARE_BOUND_TO_OTHER, got %v", body["code"])
	}
}

func registerWallet(t *testing.T, env *testEnv, kp *crypto.Keypair) string {
	t.Helper()
	res := env.do(t, http.MethodPost, "/register", map[string]string{"public_key": kp.PublicHex()})
	if res.Code != http.StatusOK {
		t.Fatalf("register failed: %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	return body["address"]
}

func signTransfer(t *testing.T, kp *crypto.Keypair, req *models.TransferRequest) *models.TransferRequest {
	t.Helper()
	sig, err := kp.SignJSON(req.SigningView())
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	req.Signature = sig
	return req
}

func TestTransfer_SuccessAndReplay(t *testing.T) {
	env := testServer()
	alice := newKeypair(t)
	bob := newKeypair(t)

	aliceAddr := registerWallet(t, env, alice)
	bobAddr := registerWallet(t, env, bob)
	if err := env.ledger.CreditBatch(map[string]int64{aliceAddr: 5 * models.Unit}, "epoch_1_reward", env.clock); err != nil {
		t.Fatalf("fund alice: %v", err)
	}

	req := signTransfer(t, alice, &models.TransferRequest{
		From: aliceAddr, To: bobAddr, Amount: 2 * models.Unit, Nonce: 1,
	})

	res := env.do(t, http.MethodPost, "/transfer", req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]int64
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["balance"] != 3*models.Unit {
		t.Fatalf("expected sender balance %d, got %d", int64(3*models.Unit), body["balance"])
	}

	// Replaying the identical signed request must not move funds again.
	res = env.do(t, http.MethodPost, "/transfer", req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d, body: %s", res.Code, res.Body.String())
	}
	var errBody map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if errBody["code"] != handlers.CodeNonceReused {
		t.Fatalf("expected code NONCE_REUSED, got %v", errBody["code"])
	}

	balance, err := env.ledger.Balance(bobAddr)
	if err != nil {
		t.Fatalf("balance read: %v", err)
	}
	if balance != 2*models.Unit {
		t.Fatalf("expected bob balance unchanged at %d, got %d", int64(2*models.Unit), balance)
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	env := testServer()
	alice := newKeypair(t)
	bob := newKeypair(t)
	aliceAddr := registerWallet(t, env, alice)
	bobAddr := registerWallet(t, env, bob)

	req := signTransfer(t, alice, &models.TransferRequest{
		From: aliceAddr, To: bobAddr, Amount: models.Unit, Nonce: 1,
	})

	res := env.do(t, http.MethodPost, "/transfer", req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["code"] != handlers.CodeInsufficientFunds {
		t.Fatalf("expected code INSUFFICIENT_BALANCE, got %v", body["code"])
	}
}

func TestGetBalance_FormatsRTC(t *testing.T) {
	env := testServer()
	addr := "RTC0000000000000000000000000000000000000000"
	if err := env.ledger.CreditBatch(map[string]int64{addr: 250_000_000}, "epoch_1_reward", env.clock); err != nil {
		t.Fatalf("fund: %v", err)
	}

	res := env.do(t, http.MethodGet, "/balance/"+addr, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["urtc"] != float64(250_000_000) {
		t.Fatalf("expected 250000000 urtc, got %v", body["urtc"])
	}
	if body["rtc"] != "2.50000000" {
		t.Fatalf("expected 2.50000000 rtc, got %v", body["rtc"])
	}
}

func TestGetEpoch_Status(t *testing.T) {
	env := testServer()
	env.clock = genesis + 3*600 + 30

	res := env.do(t, http.MethodGet, "/epoch", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var status epoch.Status
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if status.Epoch != 0 || status.Slot != 3 {
		t.Fatalf("expected epoch 0 slot 3, got epoch %d slot %d", status.Epoch, status.Slot)
	}
}

func TestSettleRewards_Idempotent(t *testing.T) {
	env := testServer()

	live := genesis + int64(144-1)*600
	if err := env.store.PutEntry(&models.EpochWeightEntry{
		Epoch: 0, IdentityKey: "key-a", Address: "RTCa",
		Multiplier: 1_000_000, Tier: models.TierModern, LastAttestation: live,
	}); err != nil {
		t.Fatalf("seed weight: %v", err)
	}
	env.clock = genesis + 144*600 + 1

	res := env.do(t, http.MethodPost, "/rewards/settle", map[string]uint64{"epoch": 0})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var first models.EpochSettlement
	if err := json.Unmarshal(res.Body.Bytes(), &first); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if first.Rewards["RTCa"] != 150_000_000 {
		t.Fatalf("expected full pool, got %d", first.Rewards["RTCa"])
	}

	res = env.do(t, http.MethodPost, "/rewards/settle", map[string]uint64{"epoch": 0})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-settle, got %d", res.Code)
	}
	var second models.EpochSettlement
	if err := json.Unmarshal(res.Body.Bytes(), &second); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if second.Hash != first.Hash {
		t.Fatalf("re-settle returned a different record: %s vs %s", second.Hash, first.Hash)
	}

	balance, err := env.ledger.Balance("RTCa")
	if err != nil {
		t.Fatalf("balance read: %v", err)
	}
	if balance != 150_000_000 {
		t.Fatalf("double settle must not double credit, got %d", balance)
	}
}

func TestSettleRewards_RunningEpoch(t *testing.T) {
	env := testServer()

	res := env.do(t, http.MethodPost, "/rewards/settle", map[string]uint64{"epoch": 0})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for running epoch, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestGossip_AnnounceAndFetch(t *testing.T) {
	env := testServer()

	res := env.do(t, http.MethodPost, "/gossip/announce", map[string]interface{}{
		"kind":    models.GossipSettlement,
		"payload": map[string]interface{}{"epoch": 9},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}

	res = env.do(t, http.MethodGet, "/gossip/fetch/"+body["hash"], nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/gossip/fetch/deadbeef", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hash, got %d", res.Code)
	}
}

func TestRateLimiter_Backpressure(t *testing.T) {
	logger.Logger = zap.NewNop()

	router := mux.NewRouter()
	rl := handlers.NewRateLimiter(1, 1)
	limited := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	router.Handle("/ping", limited).Methods("POST")

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket drained, got %d", second.Code)
	}
}
