package preset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/metrics"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

const (
	SponsorshipSponsored   = "sponsored"
	SponsorshipUnsponsored = "unsponsored"
	SponsorshipSkipped     = "skipped"
)

type SponsorshipRequest struct {
	Op         userop.UserOperation
	EntryPoint common.Address
	ChainID    uint64
	PolicyID   string
	// Calls feed the local policy rules.
	Calls []Call
	// Gas is the estimate the operation was built with. Its paymaster limits
	// fill in for a v0.7 sponsor that returns only paymaster and data.
	Gas userop.GasFields
}

// SponsorshipResult is either sponsored, with Op carrying paymaster fields,
// or unsponsored, with Op unchanged and Reason explaining why.
type SponsorshipResult struct {
	Op        userop.UserOperation
	Sponsored bool
	PolicyID  string
	Reason    string
}

// Negotiator asks a paymaster to cover an operation. A refusal is a normal
// outcome; only failures talking to the paymaster are errors.
type Negotiator struct {
	policies *PolicySet
	metrics  metrics.Recorder
	logger   logger.Logger
}

func NewNegotiator(policies *PolicySet, m metrics.Recorder, log logger.Logger) *Negotiator {
	return &Negotiator{policies: policies, metrics: metrics.Ensure(m), logger: logger.EnsureLogger(log)}
}

// Policy returns the policy a request with policyID would be sponsored
// under, or "" when none applies.
func (n *Negotiator) Policy(policyID string) string {
	return n.policies.Resolve(policyID)
}

func sponsorName(s bundler.Sponsor) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "local"
}

func (n *Negotiator) Sponsor(ctx context.Context, sponsor bundler.Sponsor, req *SponsorshipRequest) (*SponsorshipResult, error) {
	unsponsored := func(policyID, reason string) *SponsorshipResult {
		return &SponsorshipResult{Op: req.Op, PolicyID: policyID, Reason: reason}
	}

	policyID := n.policies.Resolve(req.PolicyID)
	if policyID == "" || sponsor == nil {
		n.metrics.IncSponsorship(sponsorName(sponsor), SponsorshipSkipped)
		return unsponsored("", "no sponsorship policy"), nil
	}
	name := sponsorName(sponsor)

	allowed, err := n.policies.Allows(policyID, RuleEnv(req.Op, req.ChainID, req.Calls))
	if err != nil {
		n.logger.Warn("sponsorship rule evaluation failed", "policy", policyID, "error", err)
		n.metrics.IncSponsorship(name, SponsorshipUnsponsored)
		return unsponsored(policyID, fmt.Sprintf("policy %s rule failed: %v", policyID, err)), nil
	}
	if !allowed {
		n.metrics.IncSponsorship(name, SponsorshipUnsponsored)
		return unsponsored(policyID, fmt.Sprintf("policy %s does not cover this operation", policyID)), nil
	}

	fields, err := sponsor.SponsorUserOperation(ctx, &bundler.SponsorRequest{
		Op:             req.Op,
		EntryPoint:     req.EntryPoint,
		ChainID:        new(big.Int).SetUint64(req.ChainID),
		PolicyID:       policyID,
		DummySignature: DummySignature,
	})
	if err != nil {
		return nil, fmt.Errorf("sponsor user operation: %w", err)
	}
	if fields == nil {
		n.metrics.IncSponsorship(name, SponsorshipUnsponsored)
		n.logger.Info("paymaster declined sponsorship", "provider", name, "policy", policyID, "sender", req.Op.Base().Sender.Hex())
		return unsponsored(policyID, "declined by paymaster"), nil
	}

	// a v0.6 blob on a v0.7 operation is a defect in the sponsor, never a refusal
	sponsored, err := userop.WithPaymaster(req.Op, withPaymasterGas(fields, req.Gas))
	if err != nil {
		n.logger.Error("paymaster returned fields for the wrong entrypoint version", "provider", name, "version", req.Op.Version(), "error", err)
		return nil, fmt.Errorf("sponsor %s: %w", name, err)
	}

	n.metrics.IncSponsorship(name, SponsorshipSponsored)
	return &SponsorshipResult{Op: sponsored, Sponsored: true, PolicyID: policyID}, nil
}

// withPaymasterGas fills the v0.7 paymaster limits the sponsor left out,
// from the estimate when it has them and the fixed fallback otherwise.
func withPaymasterGas(fields *userop.PaymasterFields, estimate userop.GasFields) *userop.PaymasterFields {
	if fields.Paymaster == nil {
		return fields
	}
	out := *fields
	if out.PaymasterVerificationGasLimit == nil {
		out.PaymasterVerificationGasLimit = firstPositive(estimate.PaymasterVerificationGasLimit, DEFAULT_PAYMASTER_VERIFICATION_GAS_LIMIT)
	}
	if out.PaymasterPostOpGasLimit == nil {
		out.PaymasterPostOpGasLimit = firstPositive(estimate.PaymasterPostOpGasLimit, DEFAULT_PAYMASTER_POST_OP_GAS_LIMIT)
	}
	return &out
}

func firstPositive(v, fallback *big.Int) *big.Int {
	if v != nil && v.Sign() > 0 {
		return new(big.Int).Set(v)
	}
	return new(big.Int).Set(fallback)
}
