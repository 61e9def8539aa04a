package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/dealbridge/backend/internal/config"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

type ConnectConfig struct {
	Network string // mainnet/testnet
	Host    string
	Port    int
	Key     string
}

// Connect opens a lite server connection pool. With Host and Key set it
// talks to that server only; otherwise servers are discovered from the
// public global config of the network.
func Connect(ctx context.Context, cfg ConnectConfig, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.Host != "" && cfg.Key != "" {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.Key); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := globalConfigURL(cfg.Network)
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if isMainnet(cfg.Network) {
		proofPolicy = ton.ProofCheckPolicySecure
	}

	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

func globalConfigURL(network string) string {
	if isMainnet(network) {
		return "https://ton.org/global.config.json"
	}
	return "https://ton.org/testnet-global.config.json"
}

func isMainnet(network string) bool {
	return strings.EqualFold(network, "mainnet")
}

// ContractFromConfig connects to the network and returns the escrow contract
// adapter signing with the operator wallet.
func ContractFromConfig(ctx context.Context, cfg *config.Config, log *zap.Logger) (*TONContract, error) {
	if cfg.TONEscrowContract == "" {
		return nil, fmt.Errorf("TON_ESCROW_CONTRACT is required")
	}
	escrowAddr, err := address.ParseAddr(cfg.TONEscrowContract)
	if err != nil {
		return nil, fmt.Errorf("invalid TON_ESCROW_CONTRACT: %w", err)
	}
	fee, err := tlb.FromTON(cfg.TONMessageFeeTON)
	if err != nil {
		return nil, fmt.Errorf("invalid TON_MESSAGE_FEE_TON: %w", err)
	}

	api, err := Connect(ctx, ConnectConfigFrom(cfg), log)
	if err != nil {
		return nil, err
	}

	w, err := OperatorWallet(api, cfg.TONOperatorSeed)
	if err != nil {
		return nil, err
	}
	log.Info("escrow contract ready",
		zap.String("contract", escrowAddr.String()),
		zap.String("operator", w.WalletAddress().String()),
	)
	return NewTONContract(api, escrowAddr, w, fee, log), nil
}

func ConnectConfigFrom(cfg *config.Config) ConnectConfig {
	return ConnectConfig{
		Network: cfg.TONNetwork,
		Host:    cfg.LiteServerHost,
		Port:    cfg.LiteServerPort,
		Key:     cfg.LiteServerKey,
	}
}
