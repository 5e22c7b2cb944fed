package cmd

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-gasless/core/config"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-gasless/relayer"
)

var weiPerEther = decimal.New(1, 18)

// parseCall reads "to[,valueEth[,0xdata]]". The target is not validated
// here so the engine reports it with the call index.
func parseCall(s string) (preset.Call, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return preset.Call{}, fmt.Errorf("call %q: expected to[,value[,data]]", s)
	}

	call := preset.Call{Target: strings.TrimSpace(parts[0])}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		value, err := parseEther(strings.TrimSpace(parts[1]))
		if err != nil {
			return preset.Call{}, fmt.Errorf("call %q: %w", s, err)
		}
		call.Value = value
	}
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		data, err := hexutil.Decode(strings.TrimSpace(parts[2]))
		if err != nil {
			return preset.Call{}, fmt.Errorf("call %q: invalid data: %w", s, err)
		}
		call.Data = data
	}
	return call, nil
}

func parseCalls(raw []string) ([]preset.Call, error) {
	calls := make([]preset.Call, 0, len(raw))
	for _, s := range raw {
		call, err := parseCall(s)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// parseEther converts a decimal ether amount into wei.
func parseEther(s string) (*big.Int, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", s)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative value %q", s)
	}
	wei := amount.Mul(weiPerEther)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("value %q has more than 18 decimals", s)
	}
	return wei.BigInt(), nil
}

func parseSalt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	salt, ok := new(big.Int).SetString(s, 0)
	if !ok || salt.Sign() < 0 {
		return nil, fmt.Errorf("invalid salt %q", s)
	}
	return salt, nil
}

// loadRelayer builds the relayer without starting its background jobs.
// The caller must Close it.
func loadRelayer(ctx context.Context) (*relayer.Relayer, error) {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}
	return relayer.NewRelayer(ctx, c)
}
