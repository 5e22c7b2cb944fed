package preset

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

// Policy gates sponsorship locally before the paymaster is asked. An empty
// Rule always allows.
type Policy struct {
	ID   string
	Rule string
}

// PolicySet holds the compiled sponsorship rules of one deployment.
type PolicySet struct {
	defaultID string
	programs  map[string]*vm.Program
}

// sample environment used to type check rules at compile time
var policyEnv = map[string]any{
	"sender":    "",
	"chainId":   uint64(0),
	"version":   "",
	"deploying": false,
	"calls":     0,
	"targets":   []string{},
	"valueEth":  float64(0),
	"totalGas":  uint64(0),
}

func NewPolicySet(defaultID string, policies []Policy) (*PolicySet, error) {
	set := &PolicySet{defaultID: defaultID, programs: map[string]*vm.Program{}}
	for _, p := range policies {
		if p.ID == "" {
			return nil, fmt.Errorf("sponsorship policy without id")
		}
		if p.Rule == "" {
			set.programs[p.ID] = nil
			continue
		}
		program, err := expr.Compile(p.Rule, expr.Env(policyEnv), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile rule of policy %s: %w", p.ID, err)
		}
		set.programs[p.ID] = program
	}
	return set, nil
}

// Resolve returns the policy to use: the explicit one, else the default.
func (s *PolicySet) Resolve(policyID string) string {
	if policyID != "" {
		return policyID
	}
	if s == nil {
		return ""
	}
	return s.defaultID
}

// Allows evaluates the local rule of policyID. Policies without a local
// entry are left entirely to the paymaster.
func (s *PolicySet) Allows(policyID string, env map[string]any) (bool, error) {
	if s == nil {
		return true, nil
	}
	program, ok := s.programs[policyID]
	if !ok || program == nil {
		return true, nil
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// RuleEnv exposes the operation to sponsorship rules, e.g.
// `calls == 1 && valueEth == 0 && !deploying`.
func RuleEnv(op userop.UserOperation, chainID uint64, calls []Call) map[string]any {
	total := new(big.Int)
	for _, c := range calls {
		if c.Value != nil {
			total.Add(total, c.Value)
		}
	}
	totalGas := op.Gas().TotalGas()

	return map[string]any{
		"sender":    op.Base().Sender.Hex(),
		"chainId":   chainID,
		"version":   string(op.Version()),
		"deploying": op.IsDeploying(),
		"calls":     len(calls),
		"targets":   lo.Map(calls, func(c Call, _ int) string { return common.HexToAddress(c.Target).Hex() }),
		"valueEth":  decimal.NewFromBigInt(total, -18).InexactFloat64(),
		"totalGas":  totalGas.Uint64(),
	}
}
