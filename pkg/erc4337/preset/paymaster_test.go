package preset

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-gasless/core/chainio/signer"
	"github.com/AvaProtocol/ap-gasless/core/testutil"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

var (
	vectorPaymaster = common.HexToAddress("0x4444444444444444444444444444444444444444")
	vectorSender    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	vectorFactory   = common.HexToAddress("0x2222222222222222222222222222222222222222")

	vectorValidUntil = big.NewInt(1700000600)
	vectorValidAfter = big.NewInt(1699999880)
)

func vectorCore() userop.Core {
	return userop.Core{
		Sender:               vectorSender,
		Nonce:                big.NewInt(7),
		CallData:             common.FromHex("0xdeadbeef"),
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(1000000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Signature:            []byte{},
	}
}

func vectorPaymasterSigner(t *testing.T) (*VerifyingPaymaster, *testutil.FakeChain) {
	chain := testutil.NewFakeChain(vectorSender)
	chain.Results["9c90b443"] = common.LeftPadBytes([]byte{3}, 32)

	p := NewVerifyingPaymaster(vectorPaymaster, testutil.OwnerKey(), chain, 10*time.Minute)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p, chain
}

func TestVerifyingPaymasterHashV06(t *testing.T) {
	p, _ := vectorPaymasterSigner(t)
	op := &userop.UserOperationV06{Core: vectorCore(), InitCode: append(vectorFactory.Bytes(), 0xab, 0xcd)}

	hash, err := p.HashV06(op, big.NewInt(int64(testutil.SepoliaID)), big.NewInt(3), vectorValidUntil, vectorValidAfter)
	require.NoError(t, err)
	assert.Equal(t, "0x9a5c6ddc02a1ae9e0bb46c76c09b2f403dd846663af5e658da0998df6791ecfb", hash.Hex())
}

func TestVerifyingPaymasterHashV07(t *testing.T) {
	p, _ := vectorPaymasterSigner(t)
	factory := vectorFactory
	op := &userop.UserOperationV07{Core: vectorCore(), Factory: &factory, FactoryData: common.FromHex("0xabcd")}

	hash, err := p.HashV07(op, big.NewInt(int64(testutil.SepoliaID)), big.NewInt(300000), big.NewInt(50000), vectorValidUntil, vectorValidAfter)
	require.NoError(t, err)
	assert.Equal(t, "0x576f375b2b74ca6eba9a01eeb108bf99dc24f2a757da660529e4ef94b3dbab60", hash.Hex())
}

func TestVerifyingPaymasterSponsorsV06(t *testing.T) {
	p, chain := vectorPaymasterSigner(t)
	op := &userop.UserOperationV06{Core: vectorCore(), InitCode: append(vectorFactory.Bytes(), 0xab, 0xcd)}

	fields, err := p.SponsorUserOperation(context.Background(), &bundler.SponsorRequest{
		Op:      op,
		ChainID: big.NewInt(int64(testutil.SepoliaID)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Calls("9c90b443"))

	pmd := fields.PaymasterAndData
	require.Len(t, pmd, 149)
	assert.Equal(t, vectorPaymaster.Bytes(), pmd[:20])

	validity, err := validityArgs.Unpack(pmd[20:84])
	require.NoError(t, err)
	assert.Equal(t, vectorValidUntil.Int64(), validity[0].(*big.Int).Int64())
	assert.Equal(t, vectorValidAfter.Int64(), validity[1].(*big.Int).Int64())

	hash := common.HexToHash("0x9a5c6ddc02a1ae9e0bb46c76c09b2f403dd846663af5e658da0998df6791ecfb")
	recovered, err := signer.RecoverMessage(hash.Bytes(), pmd[84:])
	require.NoError(t, err)
	assert.Equal(t, testutil.OwnerAddress(), recovered)

	sponsored, err := userop.WithPaymaster(op, fields)
	require.NoError(t, err)
	assert.True(t, sponsored.IsSponsored())
}

func TestVerifyingPaymasterSponsorsV07(t *testing.T) {
	p, chain := vectorPaymasterSigner(t)
	factory := vectorFactory
	op := &userop.UserOperationV07{Core: vectorCore(), Factory: &factory, FactoryData: common.FromHex("0xabcd")}

	fields, err := p.SponsorUserOperation(context.Background(), &bundler.SponsorRequest{
		Op:      op,
		ChainID: big.NewInt(int64(testutil.SepoliaID)),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, chain.Calls("9c90b443"), "v0.7 hashes carry no sender nonce")

	require.NotNil(t, fields.Paymaster)
	assert.Equal(t, vectorPaymaster, *fields.Paymaster)
	assert.Equal(t, int64(300000), fields.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(50000), fields.PaymasterPostOpGasLimit.Int64())
	require.Len(t, fields.PaymasterData, 129)

	hash := common.HexToHash("0x576f375b2b74ca6eba9a01eeb108bf99dc24f2a757da660529e4ef94b3dbab60")
	recovered, err := signer.RecoverMessage(hash.Bytes(), fields.PaymasterData[64:])
	require.NoError(t, err)
	assert.Equal(t, testutil.OwnerAddress(), recovered)

	sponsored, err := userop.WithPaymaster(op, fields)
	require.NoError(t, err)
	assert.NoError(t, sponsored.Validate())
}

func TestVerifyingPaymasterSenderNonceFailure(t *testing.T) {
	p, chain := vectorPaymasterSigner(t)
	delete(chain.Results, "9c90b443")

	_, err := p.SponsorUserOperation(context.Background(), &bundler.SponsorRequest{
		Op:      &userop.UserOperationV06{Core: vectorCore()},
		ChainID: big.NewInt(int64(testutil.SepoliaID)),
	})
	assert.ErrorContains(t, err, "senderNonce")
}

func TestVerifyingPaymasterThroughNegotiator(t *testing.T) {
	p, _ := vectorPaymasterSigner(t)
	op := &userop.UserOperationV07{Core: vectorCore()}

	result, err := NewNegotiator(nil, nil, nil).Sponsor(context.Background(), p, &SponsorshipRequest{
		Op:       op,
		ChainID:  testutil.SepoliaID,
		PolicyID: "self-hosted",
		Calls:    []Call{transferCall},
	})
	require.NoError(t, err)
	assert.True(t, result.Sponsored)
	assert.True(t, result.Op.IsSponsored())
}
