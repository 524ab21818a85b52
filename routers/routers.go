package routers

import (
	"github.com/gorilla/mux"

	"github.com/rustchain/rustchain-go/handlers"
)

// RegisterRoutes sets up all the HTTP routes for the node
func RegisterRoutes(r *mux.Router, h *handlers.Handler, rl *handlers.RateLimiter) {

	// Write endpoints sit behind the per-origin rate limiter
	writes := r.NewRoute().Subrouter()
	if rl != nil {
		writes.Use(rl.Middleware)
	}

	// Submits a fingerprint report for validation, binding and enrollment
	writes.HandleFunc("/attest/submit", h.SubmitAttestation).Methods("POST")

	// Moves uRTC between wallets with a signed, replay-protected transfer
	writes.HandleFunc("/transfer", h.Transfer).Methods("POST")

	// Binds a wallet address to its Ed25519 public key
	writes.HandleFunc("/register", h.Register).Methods("POST")

	// Settles an ended epoch; idempotent
	writes.HandleFunc("/rewards/settle", h.SettleRewards).Methods("POST")

	// Relays a content-addressed gossip record
	writes.HandleFunc("/gossip/announce", h.Announce).Methods("POST")

	// Reports the running epoch, slot, pool and enrollment
	r.HandleFunc("/epoch", h.GetEpoch).Methods("GET")

	// Reports a wallet balance in uRTC and RTC
	r.HandleFunc("/balance/{address}", h.GetBalance).Methods("GET")

	// Returns a gossip record by its content address
	r.HandleFunc("/gossip/fetch/{hash}", h.Fetch).Methods("GET")

	// Websocket feed of gossip announcements
	r.HandleFunc("/ws", h.Subscribe).Methods("GET")
}
