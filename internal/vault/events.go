package vault

import "github.com/gagliardetto/solana-go"

// Events are emitted through the runtime and only surface once the
// instruction that produced them commits.

type InitializedEvent struct {
	Vault solana.PublicKey `json:"vault"`
	State State            `json:"state"`
}

type DepositedEvent struct {
	Vault            solana.PublicKey `json:"vault"`
	Owner            solana.PublicKey `json:"owner"`
	CollateralAmount uint64           `json:"collateral_amount"`
	DebtAmount       uint64           `json:"debt_amount"`
	Price            uint64           `json:"price"`
	State            State            `json:"state"`
}

type RepaidEvent struct {
	Vault            solana.PublicKey `json:"vault"`
	Owner            solana.PublicKey `json:"owner"`
	DebtAmount       uint64           `json:"debt_amount"`
	CollateralAmount uint64           `json:"collateral_amount"`
	Price            uint64           `json:"price"`
	State            State            `json:"state"`
}
