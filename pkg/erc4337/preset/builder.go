package preset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-gasless/core/chainio/aa"
	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

// Call is one action the smart account performs. Target is kept as the raw
// caller input so a malformed address is reported, not silently zeroed.
type Call struct {
	Target string
	Value  *big.Int
	Data   []byte
}

// EntryPoint pins the contract and the user operation layout it accepts.
type EntryPoint struct {
	Address common.Address
	Version userop.Version
}

type parsedCall struct {
	target common.Address
	value  *big.Int
	data   []byte
}

func parseCalls(calls []Call) ([]parsedCall, error) {
	if len(calls) == 0 {
		return nil, &aaerrors.ValidationError{Field: "calls", Reason: "at least one call is required"}
	}

	out := make([]parsedCall, len(calls))
	for i, c := range calls {
		if !common.IsHexAddress(c.Target) {
			return nil, &aaerrors.InvalidCallError{Index: i, Target: c.Target}
		}
		value := new(big.Int)
		if c.Value != nil {
			if c.Value.Sign() < 0 {
				return nil, &aaerrors.ValidationError{Field: fmt.Sprintf("calls[%d].value", i), Reason: "must not be negative"}
			}
			value.Set(c.Value)
		}
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		out[i] = parsedCall{target: common.HexToAddress(c.Target), value: value, data: data}
	}
	return out, nil
}

// Builder assembles unsigned, ungassed user operations.
type Builder struct {
	reader aa.ChainReader
	logger logger.Logger
}

func NewBuilder(reader aa.ChainReader, log logger.Logger) *Builder {
	return &Builder{reader: reader, logger: logger.EnsureLogger(log)}
}

// Build encodes calls for account. One call uses execute, several use the
// batch variant the account type supports. The nonce is read from the
// EntryPoint on every call; nothing is reused between builds.
func (b *Builder) Build(ctx context.Context, account *model.SmartAccount, ep EntryPoint, calls []Call) (userop.UserOperation, error) {
	if account == nil || account.Address == (common.Address{}) {
		return nil, &aaerrors.ValidationError{Field: "account", Reason: "smart account is not resolved"}
	}
	parsed, err := parseCalls(calls)
	if err != nil {
		return nil, err
	}

	callData, err := encodeCalls(account.AccountType, ep.Version, parsed)
	if err != nil {
		return nil, fmt.Errorf("encode calls: %w", err)
	}

	nonce, err := aa.GetNonce(ctx, b.reader, ep.Address, account.Address)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	op, err := userop.New(ep.Version, account.Address)
	if err != nil {
		return nil, err
	}
	op.Base().Nonce = nonce
	op.Base().CallData = callData

	if !account.IsDeployed {
		factoryData, err := aa.FactoryData(account.Owner, account.Salt)
		if err != nil {
			return nil, fmt.Errorf("encode factory data: %w", err)
		}
		factory := account.Factory
		switch o := op.(type) {
		case *userop.UserOperationV06:
			o.InitCode = append(factory.Bytes(), factoryData...)
		case *userop.UserOperationV07:
			o.Factory = &factory
			o.FactoryData = factoryData
		}
	}

	b.logger.Debug("built user operation",
		"sender", account.Address.Hex(),
		"version", ep.Version,
		"nonce", nonce.String(),
		"calls", len(parsed),
		"deploying", op.IsDeploying())

	return op, nil
}

func encodeCalls(accountType model.AccountType, version userop.Version, calls []parsedCall) ([]byte, error) {
	if len(calls) == 1 {
		return aa.PackExecute(calls[0].target, calls[0].value, calls[0].data)
	}
	return aa.PackExecuteBatch(accountType, version,
		lo.Map(calls, func(c parsedCall, _ int) common.Address { return c.target }),
		lo.Map(calls, func(c parsedCall, _ int) *big.Int { return c.value }),
		lo.Map(calls, func(c parsedCall, _ int) []byte { return c.data }),
	)
}
