// Package chain checks on-chain prerequisites before the engine trades.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// Contract names accepted in chain.required and chain.code_hashes.
const (
	ContractCTFExchange    = "ctf_exchange"
	ContractUSDC           = "usdc"
	ContractNegRiskAdapter = "neg_risk_adapter"
)

// Backend is the subset of an Ethereum RPC client the validator needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Contract is one address to check.
type Contract struct {
	Name    string
	Address string
	// Required contracts fail validation when missing; others only warn.
	Required bool
	// CodeHash, when set, must equal keccak256 of the deployed code.
	CodeHash string
}

// Result is the outcome for one contract.
type Result struct {
	Contract
	HasCode  bool
	CodeHash string
	Problem  string
}

// Validator verifies that every configured contract has deployed code.
type Validator struct {
	backend   Backend
	chainID   int64
	contracts []Contract
	timeout   time.Duration
	logger    *slog.Logger
}

// NewValidator creates a validator. A zero chainID skips the network check.
func NewValidator(backend Backend, chainID int64, contracts []Contract, timeout time.Duration, logger *slog.Logger) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		backend:   backend,
		chainID:   chainID,
		contracts: contracts,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "chain_validator")),
	}
}

// ContractsFromConfig lists the Polymarket contracts of cfg. The CTF
// Exchange is always required.
func ContractsFromConfig(cfg config.ChainConfig) []Contract {
	contracts := []Contract{
		{Name: ContractCTFExchange, Address: cfg.CTFExchange, Required: true},
		{Name: ContractUSDC, Address: cfg.USDC},
		{Name: ContractNegRiskAdapter, Address: cfg.NegRiskAdapter},
	}
	for i := range contracts {
		c := &contracts[i]
		if slices.Contains(cfg.Required, c.Name) {
			c.Required = true
		}
		c.CodeHash = cfg.CodeHashes[c.Name]
	}
	return contracts
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return client, nil
}

// Validate implements domain.ContractValidator.
func (v *Validator) Validate(ctx context.Context) error {
	_, err := v.Check(ctx)
	return err
}

// Check validates every contract and returns the per-contract results. The
// error wraps domain.ErrContractMissing when a required contract fails.
func (v *Validator) Check(ctx context.Context) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if v.chainID != 0 {
		id, err := v.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: validate: chain id: %w", err)
		}
		if id.Int64() != v.chainID {
			return nil, fmt.Errorf("chain: validate: rpc serves chain %s, want %d", id, v.chainID)
		}
	}

	results := make([]Result, 0, len(v.contracts))
	var errs []error
	for _, c := range v.contracts {
		r := v.checkOne(ctx, c)
		results = append(results, r)
		if r.Problem == "" {
			v.logger.InfoContext(ctx, "contract validated",
				slog.String("contract", c.Name),
				slog.String("address", c.Address),
			)
			continue
		}
		if c.Required {
			v.logger.ErrorContext(ctx, "required contract invalid",
				slog.String("contract", c.Name),
				slog.String("address", c.Address),
				slog.String("problem", r.Problem),
			)
			errs = append(errs, fmt.Errorf("%s at %s: %s", c.Name, c.Address, r.Problem))
			continue
		}
		v.logger.WarnContext(ctx, "contract check failed, possible misconfiguration",
			slog.String("contract", c.Name),
			slog.String("address", c.Address),
			slog.String("problem", r.Problem),
		)
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("chain: validate: %w: %w", domain.ErrContractMissing, errors.Join(errs...))
	}
	v.logger.InfoContext(ctx, "contract validation complete", slog.Int("validated", len(results)))
	return results, nil
}

func (v *Validator) checkOne(ctx context.Context, c Contract) Result {
	r := Result{Contract: c}
	if !common.IsHexAddress(c.Address) {
		r.Problem = "invalid address"
		return r
	}
	code, err := v.backend.CodeAt(ctx, common.HexToAddress(c.Address), nil)
	if err != nil {
		r.Problem = "code query failed: " + err.Error()
		return r
	}
	r.HasCode = len(code) > 0
	if !r.HasCode {
		r.Problem = "no deployed code"
		return r
	}
	r.CodeHash = crypto.Keccak256Hash(code).Hex()
	if c.CodeHash != "" && !strings.EqualFold(c.CodeHash, r.CodeHash) {
		r.Problem = fmt.Sprintf("code hash %s does not match expected %s", r.CodeHash, c.CodeHash)
	}
	return r
}
