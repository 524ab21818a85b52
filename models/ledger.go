package models

// Unit is the number of uRTC minor units per 1 RTC.
const Unit = 100_000_000

// Account holds one address's balance in uRTC minor units. LastNonce
// is the highest nonce committed for this sender; together with the
// used-nonce set it provides replay protection.
type Account struct {
	Address   string `json:"address"`
	Balance   int64  `json:"balance"` // uRTC, never negative
	LastNonce uint64 `json:"last_nonce"`
	PublicKey string `json:"public_key,omitempty"` // hex Ed25519
}

// LedgerEntry is one committed balance movement. Transfers produce a
// debit/credit pair summing to zero; settlement credits carry an
// epoch reason and no counterparty debit.
type LedgerEntry struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"` // uRTC
	Nonce     uint64 `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason"` // "transfer" or "epoch_<n>_reward"
	Memo      string `json:"memo,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TransferRequest is the public signed-transfer payload. The signature
// covers the canonical encoding of (from, to, amount, nonce); the memo
// is carried on the committed entry but not signed.
type TransferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Memo      string `json:"memo,omitempty"`
	Signature string `json:"signature"`
}

// SigningView returns the signature-covered portion of the transfer.
func (t *TransferRequest) SigningView() map[string]interface{} {
	return map[string]interface{}{
		"from":   t.From,
		"to":     t.To,
		"amount": t.Amount,
		"nonce":  t.Nonce,
	}
}
