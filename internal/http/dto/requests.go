package dto

import "github.com/shopspring/decimal"

type SettlementTargetRequest struct {
	NetworkID string `json:"network_id"`
	Address   string `json:"address"`
}

type ConditionRequest struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// CreateDealRequest is sent by one of the parties; the caller must be the
// buyer or the seller named in it.
type CreateDealRequest struct {
	BuyerID    string                  `json:"buyer_id"`
	SellerID   string                  `json:"seller_id"`
	Amount     decimal.Decimal         `json:"amount"`
	AssetRef   string                  `json:"asset_ref"`
	BuyerFrom  SettlementTargetRequest `json:"buyer_settlement"`
	SellerTo   SettlementTargetRequest `json:"seller_settlement"`
	Conditions []ConditionRequest      `json:"conditions"`
}

type SellerDecisionRequest struct {
	Decision string `json:"decision"` // ACCEPT / REJECT
}

type DepositRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	ProofTxRef string          `json:"proof_tx_ref"`
}

type ReviewConditionRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

// WindowRequest carries an optional duration hint; the server clamps it.
type WindowRequest struct {
	HintSeconds int64 `json:"hint_seconds,omitempty"`
}
