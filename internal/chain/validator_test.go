package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrbot/internal/config"
	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

type fakeBackend struct {
	chainID int64
	code    map[common.Address][]byte
	err     error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.code[account], nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deployed(cfg config.ChainConfig, names ...string) *fakeBackend {
	b := &fakeBackend{chainID: 137, code: make(map[common.Address][]byte)}
	addrs := map[string]string{
		ContractCTFExchange:    cfg.CTFExchange,
		ContractUSDC:           cfg.USDC,
		ContractNegRiskAdapter: cfg.NegRiskAdapter,
	}
	for _, n := range names {
		b.code[common.HexToAddress(addrs[n])] = []byte{0x60, 0x80, 0x60, 0x40}
	}
	return b
}

func TestValidateAllDeployed(t *testing.T) {
	cfg := config.Defaults().Chain
	b := deployed(cfg, ContractCTFExchange, ContractUSDC, ContractNegRiskAdapter)
	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())

	results, err := v.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.HasCode, r.Name)
		assert.Empty(t, r.Problem, r.Name)
	}
}

func TestValidateMissingExchangeIsFatal(t *testing.T) {
	cfg := config.Defaults().Chain
	b := deployed(cfg, ContractUSDC, ContractNegRiskAdapter)
	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())

	err := v.Validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContractMissing)
	assert.Contains(t, err.Error(), ContractCTFExchange)
}

func TestValidateOptionalContractOnlyWarns(t *testing.T) {
	cfg := config.Defaults().Chain
	b := deployed(cfg, ContractCTFExchange)
	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())

	results, err := v.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, results[1].HasCode)
	assert.Equal(t, "no deployed code", results[1].Problem)
}

func TestValidateRequiredListPromotesContract(t *testing.T) {
	cfg := config.Defaults().Chain
	cfg.Required = []string{ContractUSDC}
	b := deployed(cfg, ContractCTFExchange)
	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())

	err := v.Validate(context.Background())
	assert.ErrorIs(t, err, domain.ErrContractMissing)
	assert.Contains(t, err.Error(), ContractUSDC)
}

func TestValidateCodeHash(t *testing.T) {
	cfg := config.Defaults().Chain
	code := []byte{0x60, 0x80, 0x60, 0x40}
	cfg.CodeHashes = map[string]string{ContractCTFExchange: crypto.Keccak256Hash(code).Hex()}
	b := deployed(cfg, ContractCTFExchange)

	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())
	require.NoError(t, v.Validate(context.Background()))

	cfg.CodeHashes[ContractCTFExchange] = crypto.Keccak256Hash([]byte("other")).Hex()
	v = NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())
	err := v.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestValidateWrongChain(t *testing.T) {
	cfg := config.Defaults().Chain
	b := deployed(cfg, ContractCTFExchange)
	b.chainID = 1
	v := NewValidator(b, 137, ContractsFromConfig(cfg), 0, discard())
	require.Error(t, v.Validate(context.Background()))
}

func TestValidateRPCFailure(t *testing.T) {
	cfg := config.Defaults().Chain
	b := deployed(cfg)
	b.err = errors.New("connection refused")
	v := NewValidator(b, 0, ContractsFromConfig(cfg), 0, discard())

	results, err := v.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, results[0].Problem, "connection refused")
}

func TestValidateInvalidAddress(t *testing.T) {
	v := NewValidator(&fakeBackend{}, 0, []Contract{{Name: "x", Address: "nope", Required: true}}, 0, discard())
	err := v.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid address")
}
