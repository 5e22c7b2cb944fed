package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

const (
	DefaultPollInterval      = time.Second
	DefaultPollMaxAttempts   = 30
	DefaultCacheLifeWindow   = 10 * time.Minute
	DefaultReconcileInterval = time.Minute
	DefaultPaymasterValidity = 10 * time.Minute
	DefaultProviderTimeout   = 30 * time.Second
	DefaultBackupInterval    = time.Hour
)

// Canonical EntryPoint deployments, used when a chain does not override them.
var defaultEntryPoints = map[userop.Version]common.Address{
	userop.V06: common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
	userop.V07: common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
}

// Config is the parsed and validated form of ConfigRaw.
type Config struct {
	Environment     sdklogging.LogLevel
	Logger          sdklogging.Logger
	DbPath          string
	HttpBindAddress string
	SentryDsn       string
	ServerName      string

	Signer SignerConfig

	PollInterval      time.Duration
	PollMaxAttempts   int
	CacheLifeWindow   time.Duration
	ReconcileInterval time.Duration

	// BackupDir enables periodic database backups when set.
	BackupDir      string
	BackupInterval time.Duration

	DefaultPolicyID string
	Policies        []preset.Policy

	Chains []*ChainConfig
}

// SignerConfig holds either an in-process key or a remote signer endpoint.
type SignerConfig struct {
	PrivateKey      *ecdsa.PrivateKey `json:"-"`
	RemoteURL       string
	RemoteJwtSecret string `json:"-"`
	Address         common.Address
}

type ChainConfig struct {
	ChainID      uint64
	RpcURL       string
	EntryPoint   preset.EntryPoint
	Factory      common.Address
	AccountType  model.AccountType
	InitCodeHash common.Hash
	DefaultSalt  *big.Int
	Provider     bundler.Config
	// WalletURL enables the wallet_prepareCalls path.
	WalletURL string
	Paymaster *PaymasterConfig
}

// PaymasterConfig describes a self-hosted VerifyingPaymaster.
type PaymasterConfig struct {
	Address  common.Address
	Signer   *ecdsa.PrivateKey `json:"-"`
	Validity time.Duration
}

// These are read from configPath
type ConfigRaw struct {
	Environment       sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`
	DbPath            string              `yaml:"db_path" validate:"required"`
	HttpBindAddress   string              `yaml:"http_bind_address"`
	SentryDsn         string              `yaml:"sentry_dsn" validate:"omitempty,url"`
	ServerName        string              `yaml:"server_name"`
	Signer            SignerRaw           `yaml:"signer"`
	Polling           PollingRaw          `yaml:"polling"`
	Cache             CacheRaw            `yaml:"cache"`
	Sponsorship       SponsorshipRaw      `yaml:"sponsorship"`
	ReconcileInterval string              `yaml:"reconcile_interval"`
	Backup            BackupRaw           `yaml:"backup"`
	Chains            []ChainRaw          `yaml:"chains" validate:"required,min=1,dive"`
}

type SignerRaw struct {
	PrivateKey      string `yaml:"private_key" validate:"required_without=RemoteURL"`
	RemoteURL       string `yaml:"remote_url" validate:"omitempty,url"`
	RemoteJwtSecret string `yaml:"remote_jwt_secret" validate:"required_with=RemoteURL"`
	Address         string `yaml:"address" validate:"required_with=RemoteURL,omitempty,eth_addr"`
}

type PollingRaw struct {
	Interval    string `yaml:"interval"`
	MaxAttempts int    `yaml:"max_attempts" validate:"gte=0"`
}

type CacheRaw struct {
	LifeWindow string `yaml:"life_window"`
}

type BackupRaw struct {
	Dir      string `yaml:"dir"`
	Interval string `yaml:"interval"`
}

type SponsorshipRaw struct {
	DefaultPolicyID string      `yaml:"default_policy_id"`
	Policies        []PolicyRaw `yaml:"policies" validate:"dive"`
}

type PolicyRaw struct {
	ID   string `yaml:"id" validate:"required"`
	Rule string `yaml:"rule"`
}

type ChainRaw struct {
	ChainID             uint64        `yaml:"chain_id" validate:"required"`
	RpcURL              string        `yaml:"rpc_url" validate:"required,url"`
	EntrypointVersion   string        `yaml:"entrypoint_version" validate:"required,oneof=v0.6 v0.7"`
	EntrypointAddress   string        `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress      string        `yaml:"factory_address" validate:"required,eth_addr"`
	AccountType         string        `yaml:"account_type" validate:"omitempty,oneof=simple light"`
	AccountInitCodeHash string        `yaml:"account_init_code_hash" validate:"omitempty,hexadecimal"`
	DefaultSalt         string        `yaml:"default_salt" validate:"omitempty,number"`
	Provider            ProviderRaw   `yaml:"provider"`
	Paymaster           *PaymasterRaw `yaml:"paymaster"`
}

type ProviderRaw struct {
	Vendor       string `yaml:"vendor" validate:"omitempty,oneof=generic pimlico alchemy thirdweb"`
	BundlerURL   string `yaml:"bundler_url" validate:"required,url"`
	PaymasterURL string `yaml:"paymaster_url" validate:"omitempty,url"`
	WalletURL    string `yaml:"wallet_url" validate:"omitempty,url"`
	ApiKey       string `yaml:"api_key"`
	Timeout      string `yaml:"timeout"`
	Unsponsored  bool   `yaml:"unsponsored"`
}

type PaymasterRaw struct {
	Address          string `yaml:"address" validate:"required,eth_addr"`
	SignerPrivateKey string `yaml:"signer_private_key" validate:"required"`
	Validity         string `yaml:"validity"`
}

// NewConfig reads, validates and converts the yaml file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	body, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
	}
	return Parse(body)
}

// Parse builds a Config from yaml bytes.
func Parse(body []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(&raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if raw.Environment == "" {
		raw.Environment = sdklogging.Production
	}
	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:     raw.Environment,
		Logger:          logger,
		DbPath:          raw.DbPath,
		HttpBindAddress: raw.HttpBindAddress,
		SentryDsn:       raw.SentryDsn,
		ServerName:      raw.ServerName,
		PollMaxAttempts: raw.Polling.MaxAttempts,
		DefaultPolicyID: raw.Sponsorship.DefaultPolicyID,
		BackupDir:       raw.Backup.Dir,
	}
	if c.SentryDsn == "" {
		c.SentryDsn = os.Getenv("SENTRY_DSN")
	}
	if c.PollMaxAttempts == 0 {
		c.PollMaxAttempts = DefaultPollMaxAttempts
	}

	if c.PollInterval, err = parseDuration("polling.interval", raw.Polling.Interval, DefaultPollInterval); err != nil {
		return nil, err
	}
	if c.CacheLifeWindow, err = parseDuration("cache.life_window", raw.Cache.LifeWindow, DefaultCacheLifeWindow); err != nil {
		return nil, err
	}
	if c.ReconcileInterval, err = parseDuration("reconcile_interval", raw.ReconcileInterval, DefaultReconcileInterval); err != nil {
		return nil, err
	}

	if c.BackupInterval, err = parseDuration("backup.interval", raw.Backup.Interval, DefaultBackupInterval); err != nil {
		return nil, err
	}

	if c.Signer, err = signerConfig(raw.Signer); err != nil {
		return nil, err
	}

	for _, p := range raw.Sponsorship.Policies {
		c.Policies = append(c.Policies, preset.Policy{ID: p.ID, Rule: p.Rule})
	}

	seen := map[uint64]bool{}
	for i, chainRaw := range raw.Chains {
		if seen[chainRaw.ChainID] {
			return nil, fmt.Errorf("chains[%d]: chain %d is configured twice", i, chainRaw.ChainID)
		}
		seen[chainRaw.ChainID] = true

		chain, err := chainConfig(chainRaw)
		if err != nil {
			return nil, fmt.Errorf("chains[%d]: %w", i, err)
		}
		c.Chains = append(c.Chains, chain)
	}
	return c, nil
}

// Chain returns the configuration of chainID, or nil.
func (c *Config) Chain(chainID uint64) *ChainConfig {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}

func signerConfig(raw SignerRaw) (SignerConfig, error) {
	if raw.RemoteURL != "" {
		return SignerConfig{
			RemoteURL:       raw.RemoteURL,
			RemoteJwtSecret: raw.RemoteJwtSecret,
			Address:         common.HexToAddress(raw.Address),
		}, nil
	}
	key, err := parseKey(raw.PrivateKey)
	if err != nil {
		return SignerConfig{}, fmt.Errorf("signer.private_key: %w", err)
	}
	return SignerConfig{PrivateKey: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func chainConfig(raw ChainRaw) (*ChainConfig, error) {
	version, err := userop.ParseVersion(raw.EntrypointVersion)
	if err != nil {
		return nil, err
	}
	accountType, err := model.ParseAccountType(raw.AccountType)
	if err != nil {
		return nil, err
	}
	if accountType == model.LightAccountType && raw.AccountInitCodeHash == "" {
		return nil, fmt.Errorf("account_init_code_hash is required for light accounts")
	}

	entryPoint := defaultEntryPoints[version]
	if raw.EntrypointAddress != "" {
		entryPoint = common.HexToAddress(raw.EntrypointAddress)
	}

	salt := new(big.Int)
	if raw.DefaultSalt != "" {
		if _, ok := salt.SetString(raw.DefaultSalt, 10); !ok || salt.Sign() < 0 {
			return nil, fmt.Errorf("default_salt %q is not a uint256", raw.DefaultSalt)
		}
	}

	timeout, err := parseDuration("provider.timeout", raw.Provider.Timeout, DefaultProviderTimeout)
	if err != nil {
		return nil, err
	}

	chain := &ChainConfig{
		ChainID:      raw.ChainID,
		RpcURL:       raw.RpcURL,
		EntryPoint:   preset.EntryPoint{Address: entryPoint, Version: version},
		Factory:      common.HexToAddress(raw.FactoryAddress),
		AccountType:  accountType,
		InitCodeHash: common.HexToHash(raw.AccountInitCodeHash),
		DefaultSalt:  salt,
		Provider: bundler.Config{
			Vendor:       bundler.Vendor(raw.Provider.Vendor),
			BundlerURL:   raw.Provider.BundlerURL,
			PaymasterURL: raw.Provider.PaymasterURL,
			APIKey:       raw.Provider.ApiKey,
			Timeout:      timeout,
			Unsponsored:  raw.Provider.Unsponsored,
		},
		WalletURL: raw.Provider.WalletURL,
	}
	if chain.Provider.Vendor == "" {
		chain.Provider.Vendor = bundler.VendorGeneric
	}

	if pm := raw.Paymaster; pm != nil {
		key, err := parseKey(pm.SignerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("paymaster.signer_private_key: %w", err)
		}
		validity, err := parseDuration("paymaster.validity", pm.Validity, DefaultPaymasterValidity)
		if err != nil {
			return nil, err
		}
		chain.Paymaster = &PaymasterConfig{Address: common.HexToAddress(pm.Address), Signer: key, Validity: validity}
	}
	return chain, nil
}

func parseKey(hex string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hex, "0x"))
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}
