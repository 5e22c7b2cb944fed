package preset

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-gasless/core/testutil"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler/bundlertest"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

var paymasterAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")

func v07PaymasterFields(req *bundler.SponsorRequest) (*userop.PaymasterFields, error) {
	return &userop.PaymasterFields{
		Paymaster:                     &paymasterAddr,
		PaymasterVerificationGasLimit: big.NewInt(300000),
		PaymasterPostOpGasLimit:       big.NewInt(50000),
		PaymasterData:                 []byte{0x12, 0x34},
	}, nil
}

func v06PaymasterFields(req *bundler.SponsorRequest) (*userop.PaymasterFields, error) {
	return &userop.PaymasterFields{PaymasterAndData: append(paymasterAddr.Bytes(), 0xab)}, nil
}

func sponsorRequest(op userop.UserOperation, ep EntryPoint, policyID string) *SponsorshipRequest {
	return &SponsorshipRequest{Op: op, EntryPoint: ep.Address, ChainID: testutil.SepoliaID, PolicyID: policyID, Calls: []Call{transferCall}}
}

func TestSponsorWithoutPolicyIsUnsponsoredWithoutNetwork(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v07PaymasterFields
	op := builtOp(t, epV07)

	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(op, epV07, ""))
	require.NoError(t, err)

	assert.False(t, result.Sponsored)
	assert.Same(t, op, result.Op)
	assert.Empty(t, provider.SponsorRequests())
}

func TestSponsorUsesDefaultPolicy(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v07PaymasterFields
	policies, err := NewPolicySet("sp_default", nil)
	require.NoError(t, err)

	result, err := NewNegotiator(policies, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(builtOp(t, epV07), epV07, ""))
	require.NoError(t, err)

	assert.True(t, result.Sponsored)
	assert.Equal(t, "sp_default", result.PolicyID)
	require.Len(t, provider.SponsorRequests(), 1)
	assert.Equal(t, "sp_default", provider.SponsorRequests()[0].PolicyID)
}

func TestSponsoredV07CarriesDiscreteFields(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v07PaymasterFields
	op := builtOp(t, epV07)

	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(op, epV07, "p1"))
	require.NoError(t, err)
	require.True(t, result.Sponsored)

	v07 := result.Op.(*userop.UserOperationV07)
	require.NotNil(t, v07.Paymaster)
	assert.Equal(t, paymasterAddr, *v07.Paymaster)
	assert.Equal(t, int64(300000), v07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, []byte{0x12, 0x34}, v07.PaymasterData)
	assert.NoError(t, result.Op.Validate())
	assert.False(t, op.IsSponsored(), "the input operation is not mutated")

	req := provider.SponsorRequests()[0]
	assert.Equal(t, DummySignature, req.DummySignature)
	assert.Equal(t, int64(testutil.SepoliaID), req.ChainID.Int64())
}

func addressOnlyFields(req *bundler.SponsorRequest) (*userop.PaymasterFields, error) {
	return &userop.PaymasterFields{Paymaster: &paymasterAddr, PaymasterData: []byte{0x56}}, nil
}

func TestSponsoredV07KeepsEstimatedPaymasterGas(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = addressOnlyFields

	req := sponsorRequest(builtOp(t, epV07), epV07, "p1")
	req.Gas = userop.GasFields{
		PaymasterVerificationGasLimit: big.NewInt(120000),
		PaymasterPostOpGasLimit:       big.NewInt(40000),
	}
	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, req)
	require.NoError(t, err)
	require.True(t, result.Sponsored)

	v07 := result.Op.(*userop.UserOperationV07)
	assert.Equal(t, int64(120000), v07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(40000), v07.PaymasterPostOpGasLimit.Int64())
	assert.NoError(t, result.Op.Validate())
}

func TestSponsoredV07FallsBackToDefaultPaymasterGas(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = addressOnlyFields

	req := sponsorRequest(builtOp(t, epV07), epV07, "p1")
	req.Gas = userop.GasFields{PaymasterVerificationGasLimit: big.NewInt(0)}
	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, req)
	require.NoError(t, err)

	v07 := result.Op.(*userop.UserOperationV07)
	assert.Equal(t, 0, v07.PaymasterVerificationGasLimit.Cmp(DEFAULT_PAYMASTER_VERIFICATION_GAS_LIMIT))
	assert.Equal(t, 0, v07.PaymasterPostOpGasLimit.Cmp(DEFAULT_PAYMASTER_POST_OP_GAS_LIMIT))
}

func TestSponsoredV07PrefersSponsorPaymasterGas(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v07PaymasterFields

	req := sponsorRequest(builtOp(t, epV07), epV07, "p1")
	req.Gas = userop.GasFields{
		PaymasterVerificationGasLimit: big.NewInt(120000),
		PaymasterPostOpGasLimit:       big.NewInt(40000),
	}
	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, req)
	require.NoError(t, err)

	v07 := result.Op.(*userop.UserOperationV07)
	assert.Equal(t, int64(300000), v07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(50000), v07.PaymasterPostOpGasLimit.Int64())
}

func TestSponsoredV06CarriesBlob(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v06PaymasterFields

	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(builtOp(t, epV06), epV06, "p1"))
	require.NoError(t, err)
	require.True(t, result.Sponsored)
	assert.Equal(t, paymasterAddr.Bytes(), result.Op.(*userop.UserOperationV06).PaymasterAndData[:20])
}

func TestSponsorRefusalIsUnsponsored(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)

	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(builtOp(t, epV07), epV07, "p1"))
	require.NoError(t, err)
	assert.False(t, result.Sponsored)
	assert.Equal(t, "declined by paymaster", result.Reason)
}

func TestSponsorTransportFailureIsAnError(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = func(*bundler.SponsorRequest) (*userop.PaymasterFields, error) {
		return nil, &aaerrors.TransportError{Provider: "pimlico", Method: "pm_sponsorUserOperation", Err: errors.New("connection refused")}
	}

	_, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(builtOp(t, epV07), epV07, "p1"))
	assert.True(t, aaerrors.IsRetryable(err))
}

func TestSponsorRejectsMixedVersions(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v06PaymasterFields

	_, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), provider, sponsorRequest(builtOp(t, epV07), epV07, "p1"))
	assert.ErrorIs(t, err, userop.ErrPaymasterVersionMismatch)
}

func TestSponsorLocalPolicyRule(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SponsorFunc = v07PaymasterFields
	policies, err := NewPolicySet("", []Policy{
		{ID: "transfers", Rule: `calls == 1 && valueEth < 0.5`},
		{ID: "no-deploy", Rule: `!deploying`},
		{ID: "open"},
	})
	require.NoError(t, err)
	n := NewNegotiator(policies, nil, nil)
	op := builtOp(t, epV07)

	result, err := n.Sponsor(context.Background(), provider, sponsorRequest(op, epV07, "transfers"))
	require.NoError(t, err)
	assert.True(t, result.Sponsored)

	result, err = n.Sponsor(context.Background(), provider, sponsorRequest(op, epV07, "no-deploy"))
	require.NoError(t, err)
	assert.False(t, result.Sponsored)
	assert.Contains(t, result.Reason, "no-deploy")

	result, err = n.Sponsor(context.Background(), provider, sponsorRequest(op, epV07, "open"))
	require.NoError(t, err)
	assert.True(t, result.Sponsored)

	assert.Len(t, provider.SponsorRequests(), 2, "a local refusal never reaches the paymaster")
}

func TestPolicySetRejectsBadRules(t *testing.T) {
	_, err := NewPolicySet("", []Policy{{ID: "bad", Rule: `calls +`}})
	assert.Error(t, err)

	_, err = NewPolicySet("", []Policy{{ID: "not-bool", Rule: `calls`}})
	assert.Error(t, err)

	_, err = NewPolicySet("", []Policy{{Rule: `true`}})
	assert.Error(t, err)
}

func TestRuleEnv(t *testing.T) {
	calls := []Call{
		{Target: "0xbb00000000000000000000000000000000000002", Value: big.NewInt(250_000_000_000_000_000)},
		{Target: "0xBB00000000000000000000000000000000000003"},
	}
	env := RuleEnv(builtOp(t, epV06), testutil.SepoliaID, calls)

	assert.Equal(t, 2, env["calls"])
	assert.Equal(t, 0.25, env["valueEth"])
	assert.Equal(t, "v0.6", env["version"])
	assert.Equal(t, true, env["deploying"])
	assert.Equal(t, []string{
		common.HexToAddress("0xBB00000000000000000000000000000000000002").Hex(),
		common.HexToAddress("0xBB00000000000000000000000000000000000003").Hex(),
	}, env["targets"])
}
