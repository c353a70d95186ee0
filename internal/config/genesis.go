package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthorityAlias stands for the engine's derived authority wherever a genesis
// entry expects a key.
const AuthorityAlias = "vault-authority"

// Genesis lists the accounts a development engine starts with.
type Genesis struct {
	Wallets       []GenesisWallet       `yaml:"wallets"`
	Mints         []GenesisMint         `yaml:"mints"`
	TokenAccounts []GenesisTokenAccount `yaml:"token_accounts"`
}

type GenesisWallet struct {
	Address  string `yaml:"address"`
	Lamports uint64 `yaml:"lamports"`
}

type GenesisMint struct {
	Address   string `yaml:"address"`
	Authority string `yaml:"authority"`
	Decimals  uint8  `yaml:"decimals"`
}

type GenesisTokenAccount struct {
	Address string `yaml:"address"`
	Mint    string `yaml:"mint"`
	Owner   string `yaml:"owner"`
	Amount  uint64 `yaml:"amount"`
}

func LoadGenesis(path string) (*Genesis, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file %q: %w", path, err)
	}
	var genesis Genesis
	if err := yaml.Unmarshal(body, &genesis); err != nil {
		return nil, fmt.Errorf("parse genesis file %q: %w", path, err)
	}
	return &genesis, nil
}
