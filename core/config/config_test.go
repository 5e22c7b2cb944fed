package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

const fullConfig = `
environment: development
db_path: /tmp/ap-gasless
http_bind_address: localhost:1323
signer:
  private_key: 0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
polling:
  interval: 2s
  max_attempts: 15
cache:
  life_window: 5m
reconcile_interval: 30s
backup:
  dir: /var/lib/ap-gasless/backup
  interval: 6h
sponsorship:
  default_policy_id: sp_default
  policies:
    - id: sp_default
      rule: "calls <= 3 && valueEth == 0"
    - id: open
chains:
  - chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
    entrypoint_version: v0.7
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    default_salt: "5"
    provider:
      vendor: pimlico
      bundler_url: https://api.pimlico.io/v2/11155111/rpc
      timeout: 10s
  - chain_id: 84532
    rpc_url: https://sepolia.base.org
    entrypoint_version: v0.6
    entrypoint_address: "0x1111111111111111111111111111111111111111"
    factory_address: "0x0000000000400CdFef5E2714E63d8040b700BC24"
    account_type: light
    account_init_code_hash: "0x1e4b4bf49a9e2a4f9cb4ce8b0d2a3c3d4e5f60718293a4b5c6d7e8f901234567"
    provider:
      vendor: alchemy
      bundler_url: https://base-sepolia.g.alchemy.com/v2/key
      wallet_url: https://api.g.alchemy.com/v2/key
    paymaster:
      address: "0x4444444444444444444444444444444444444444"
      signer_private_key: 59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d
`

func TestParseFullConfig(t *testing.T) {
	c, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, sdklogging.Development, c.Environment)
	assert.NotNil(t, c.Logger)
	assert.Equal(t, "/tmp/ap-gasless", c.DbPath)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.Equal(t, 15, c.PollMaxAttempts)
	assert.Equal(t, 5*time.Minute, c.CacheLifeWindow)
	assert.Equal(t, 30*time.Second, c.ReconcileInterval)
	assert.Equal(t, "/var/lib/ap-gasless/backup", c.BackupDir)
	assert.Equal(t, 6*time.Hour, c.BackupInterval)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), c.Signer.Address)
	assert.NotNil(t, c.Signer.PrivateKey)

	assert.Equal(t, "sp_default", c.DefaultPolicyID)
	require.Len(t, c.Policies, 2)
	assert.Empty(t, c.Policies[1].Rule)

	require.Len(t, c.Chains, 2)
	sepolia := c.Chain(11155111)
	require.NotNil(t, sepolia)
	assert.Equal(t, userop.V07, sepolia.EntryPoint.Version)
	assert.Equal(t, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), sepolia.EntryPoint.Address)
	assert.Equal(t, model.SimpleAccountType, sepolia.AccountType)
	assert.Equal(t, int64(5), sepolia.DefaultSalt.Int64())
	assert.Equal(t, bundler.VendorPimlico, sepolia.Provider.Vendor)
	assert.Equal(t, 10*time.Second, sepolia.Provider.Timeout)
	assert.Nil(t, sepolia.Paymaster)

	base := c.Chain(84532)
	require.NotNil(t, base)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), base.EntryPoint.Address)
	assert.Equal(t, model.LightAccountType, base.AccountType)
	assert.NotEqual(t, common.Hash{}, base.InitCodeHash)
	assert.Zero(t, base.DefaultSalt.Sign())
	assert.Equal(t, "https://api.g.alchemy.com/v2/key", base.WalletURL)
	require.NotNil(t, base.Paymaster)
	assert.Equal(t, DefaultPaymasterValidity, base.Paymaster.Validity)

	assert.Nil(t, c.Chain(1))
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`
db_path: ./data
signer:
  remote_url: https://signer.internal
  remote_jwt_secret: s3cret
  address: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.6
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
`))
	require.NoError(t, err)

	assert.Equal(t, sdklogging.Production, c.Environment)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultPollMaxAttempts, c.PollMaxAttempts)
	assert.Equal(t, DefaultReconcileInterval, c.ReconcileInterval)
	assert.Empty(t, c.BackupDir)
	assert.Equal(t, DefaultBackupInterval, c.BackupInterval)
	assert.Nil(t, c.Signer.PrivateKey)
	assert.Equal(t, "https://signer.internal", c.Signer.RemoteURL)
	assert.Equal(t, bundler.VendorGeneric, c.Chains[0].Provider.Vendor)
	assert.Equal(t, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), c.Chains[0].EntryPoint.Address)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"no chains": `
db_path: ./data
signer:
  private_key: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
`,
		"unknown version": `
db_path: ./data
signer:
  private_key: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.8
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
`,
		"no signer": `
db_path: ./data
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.6
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
`,
		"light without init code hash": `
db_path: ./data
signer:
  private_key: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.7
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    account_type: light
    provider:
      bundler_url: https://bundler.example.com
`,
		"bad duration": `
db_path: ./data
polling:
  interval: soon
signer:
  private_key: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.7
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
`,
		"duplicate chain": `
db_path: ./data
signer:
  private_key: ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff
chains:
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.7
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
  - chain_id: 1
    rpc_url: https://eth.llamarpc.com
    entrypoint_version: v0.6
    factory_address: "0x9406Cc6185a346906296840746125a0E44976454"
    provider:
      bundler_url: https://bundler.example.com
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestNewConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gasless.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	c, err := NewConfig(path)
	require.NoError(t, err)
	assert.Len(t, c.Chains, 2)

	_, err = NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExplorerLinks(t *testing.T) {
	assert.Equal(t, "https://sepolia.etherscan.io/tx/0xabc", TransactionURL(SepoliaChainID, "0xabc"))
	assert.Empty(t, TransactionURL(999, "0xabc"))
	assert.True(t, IsMainnet(1))
	assert.False(t, IsMainnet(SepoliaChainID))
}
