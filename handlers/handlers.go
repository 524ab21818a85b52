package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/binding"
	"github.com/rustchain/rustchain-go/epoch"
	"github.com/rustchain/rustchain-go/gossip"
	"github.com/rustchain/rustchain-go/ledger"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
)

// Machine-readable rejection codes returned alongside HTTP status.
const (
	CodeMalformed          = "MALFORMED_PAYLOAD"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeNonceReused        = "NONCE_REUSED"
	CodeInsufficientFunds  = "INSUFFICIENT_BALANCE"
	CodeHardwareBound      = "HARDWARE_BOUND_TO_OTHER"
	CodeVMDetected         = "VM_DETECTED"
	CodeInvalidFingerprint = "INVALID_FINGERPRINT"
	CodeInternal           = "INTERNAL"
)

// Handler contains the HTTP handlers for the node API endpoints
type Handler struct {
	Engine *epoch.Engine
	Ledger *ledger.Service
	Gossip *gossip.Service
	Feed   *gossip.Feed

	now func() int64
}

// NewHandler creates and returns a new Handler instance
func NewHandler(engine *epoch.Engine, ledgerSvc *ledger.Service, gossipSvc *gossip.Service, feed *gossip.Feed) *Handler {
	return &Handler{
		Engine: engine,
		Ledger: ledgerSvc,
		Gossip: gossipSvc,
		Feed:   feed,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// SetClock replaces the handler's time source.
func (h *Handler) SetClock(now func() int64) { h.now = now }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// origin extracts the network-observed source of the request. The
// payload never supplies it.
func origin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubmitAttestation handles POST requests carrying a fingerprint report
func (h *Handler) SubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var report models.FingerprintReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		logger.Logger.Error("Failed to decode attestation", zap.Error(err))
		writeError(w, http.StatusBadRequest, CodeMalformed, "Invalid request payload")
		return
	}
	report.Origin = origin(r)

	result, err := h.Engine.SubmitAttestation(&report)
	switch {
	case err == nil:
	case errors.Is(err, epoch.ErrMalformedReport):
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	case errors.Is(err, epoch.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, CodeInvalidSignature, err.Error())
		return
	case errors.Is(err, binding.ErrHardwareBound):
		writeError(w, http.StatusConflict, CodeHardwareBound, err.Error())
		return
	default:
		logger.Logger.Error("Attestation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	if !result.Accepted {
		code := CodeInvalidFingerprint
		if result.Tier == models.TierVM {
			code = CodeVMDetected
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"code":     code,
			"accepted": false,
			"reasons":  result.Reasons,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Transfer handles POST requests moving uRTC between wallets
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode transfer", zap.Error(err))
		writeError(w, http.StatusBadRequest, CodeMalformed, "Invalid request payload")
		return
	}

	err := h.Ledger.Transfer(&req, h.now())
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrMalformed):
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	case errors.Is(err, ledger.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, CodeInvalidSignature, err.Error())
		return
	case errors.Is(err, ledger.ErrNonceReused):
		writeError(w, http.StatusConflict, CodeNonceReused, err.Error())
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, CodeInsufficientFunds, err.Error())
		return
	default:
		logger.Logger.Error("Transfer failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	balance, err := h.Ledger.Balance(req.From)
	if err != nil {
		logger.Logger.Error("Balance read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// Register handles POST requests binding a wallet public key
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "Invalid request payload")
		return
	}

	address, err := h.Ledger.RegisterPublicKey(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

// GetEpoch handles GET requests for the running epoch status
func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	status, err := h.Engine.CurrentStatus()
	if err != nil {
		logger.Logger.Error("Epoch status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetBalance handles GET requests for a wallet balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	balance, err := h.Ledger.Balance(address)
	if err != nil {
		logger.Logger.Error("Balance read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"urtc":    balance,
		"rtc":     fmt.Sprintf("%d.%08d", balance/models.Unit, balance%models.Unit),
	})
}

// SettleRewards handles POST requests settling an ended epoch
func (h *Handler) SettleRewards(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Epoch uint64 `json:"epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "Invalid request payload")
		return
	}

	settlement, err := h.Engine.Settle(req.Epoch)
	switch {
	case err == nil:
	case errors.Is(err, epoch.ErrFutureEpoch):
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	default:
		logger.Logger.Error("Settlement failed", zap.Uint64("epoch", req.Epoch), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, settlement)
}

// Announce handles POST requests relaying a gossip record
func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "Invalid request payload")
		return
	}

	rec, err := h.Gossip.Announce(req.Kind, req.Payload, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": rec.Hash})
}

// Fetch handles GET requests for a gossip record by content address
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	rec, err := h.Gossip.Fetch(hash)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeMalformed, "unknown hash")
		return
	}
	if err != nil {
		logger.Logger.Error("Gossip fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Subscribe upgrades GET requests to the websocket announcement feed
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.Feed.Subscribe(w, r)
}
