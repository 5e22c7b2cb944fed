// Package relayer wires configuration into a running gasless engine: chain
// clients, providers, storage, the receipt reconciler and the ops endpoint.
package relayer

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-gasless/core/backup"
	"github.com/AvaProtocol/ap-gasless/core/chainio/aa"
	"github.com/AvaProtocol/ap-gasless/core/chainio/signer"
	"github.com/AvaProtocol/ap-gasless/core/config"
	"github.com/AvaProtocol/ap-gasless/core/lifecycle"
	"github.com/AvaProtocol/ap-gasless/core/repository"
	"github.com/AvaProtocol/ap-gasless/metrics"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
	"github.com/AvaProtocol/ap-gasless/storage"
	"github.com/AvaProtocol/ap-gasless/version"
)

type RelayerStatus string

const (
	initStatus     RelayerStatus = "init"
	runningStatus  RelayerStatus = "running"
	shutdownStatus RelayerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is valid yaml: %w", configPath, err)
	}

	r, err := NewRelayer(context.Background(), c)
	if err != nil {
		return fmt.Errorf("cannot initialize relayer from config: %w", err)
	}
	return r.Start(context.Background())
}

// Relayer owns every long lived resource of the service.
type Relayer struct {
	config *config.Config
	logger logger.Logger

	db        storage.Storage
	cache     *bigcache.BigCache
	registry  *prometheus.Registry
	metrics   *metrics.LifecycleMetrics
	clients   map[uint64]*ethclient.Client
	providers map[uint64]*bundler.Bundler
	wallets   map[uint64]*bundler.WalletClient
	signer    signer.Signer

	engine     *lifecycle.Engine
	reconciler *lifecycle.Reconciler
	backup     *backup.Service
	http       *echo.Echo

	status    atomic.Value
	startedAt time.Time
}

// NewRelayer opens storage and builds the engine. Nothing is started.
func NewRelayer(ctx context.Context, c *config.Config) (*Relayer, error) {
	r := &Relayer{
		config:    c,
		logger:    logger.EnsureLogger(c.Logger),
		registry:  prometheus.NewRegistry(),
		clients:   map[uint64]*ethclient.Client{},
		providers: map[uint64]*bundler.Bundler{},
		wallets:   map[uint64]*bundler.WalletClient{},
	}
	r.status.Store(initStatus)
	r.metrics = metrics.NewLifecycleMetrics(r.registry)

	var err error
	if r.cache, err = aa.NewDescriptorCache(ctx, c.CacheLifeWindow); err != nil {
		return nil, fmt.Errorf("cannot initialize cache storage: %w", err)
	}

	if c.Signer.RemoteURL != "" {
		r.signer = signer.NewRemoteSigner(c.Signer.RemoteURL, c.Signer.Address, c.Signer.RemoteJwtSecret)
	} else {
		r.signer = signer.NewPrivateKeySigner(c.Signer.PrivateKey)
	}

	chains := make([]lifecycle.Chain, 0, len(c.Chains))
	for _, chainConfig := range c.Chains {
		chain, err := r.buildChain(ctx, chainConfig)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("chain %d: %w", chainConfig.ChainID, err)
		}
		chains = append(chains, chain)
	}

	policies, err := preset.NewPolicySet(c.DefaultPolicyID, c.Policies)
	if err != nil {
		r.Close()
		return nil, err
	}

	if r.db, err = storage.NewWithPath(c.DbPath); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	r.engine, err = lifecycle.NewEngine(
		chains,
		repository.NewAccountRepository(r.db),
		repository.NewTransactionRepository(r.db),
		lifecycle.Options{
			Poll:     lifecycle.PollConfig{Interval: c.PollInterval, MaxAttempts: c.PollMaxAttempts},
			Policies: policies,
			Cache:    r.cache,
			Metrics:  r.metrics,
			Logger:   r.logger,
		},
	)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.reconciler = lifecycle.NewReconciler(r.engine, r.Provider, c.ReconcileInterval, r.logger)
	r.backup = backup.NewService(r.logger, r.db, c.BackupDir)
	return r, nil
}

func (r *Relayer) buildChain(ctx context.Context, c *config.ChainConfig) (lifecycle.Chain, error) {
	client, err := ethclient.DialContext(ctx, c.RpcURL)
	if err != nil {
		return lifecycle.Chain{}, fmt.Errorf("cannot create http ethclient: %w", err)
	}
	r.clients[c.ChainID] = client

	provider, err := bundler.NewProvider(ctx, c.Provider)
	if err != nil {
		return lifecycle.Chain{}, err
	}
	r.providers[c.ChainID] = provider

	if c.WalletURL != "" {
		wallet, err := bundler.NewWalletClient(ctx, string(c.Provider.Vendor)+"-wallet", c.WalletURL, bundler.WithTimeout(c.Provider.Timeout))
		if err != nil {
			return lifecycle.Chain{}, err
		}
		r.wallets[c.ChainID] = wallet
	}

	chain := lifecycle.Chain{
		ChainID:      c.ChainID,
		EntryPoint:   c.EntryPoint,
		Factory:      c.Factory,
		AccountType:  c.AccountType,
		InitCodeHash: c.InitCodeHash,
		DefaultSalt:  c.DefaultSalt,
		Client:       client,
	}
	if pm := c.Paymaster; pm != nil {
		chain.Paymaster = preset.NewVerifyingPaymaster(pm.Address, pm.Signer, client, pm.Validity)
	}
	r.logger.Info("configured chain",
		"chainId", c.ChainID,
		"entryPoint", c.EntryPoint.Address.Hex(),
		"version", c.EntryPoint.Version,
		"provider", provider.Name(),
		"selfHostedPaymaster", c.Paymaster != nil,
		"wallet", c.WalletURL != "")
	return chain, nil
}

func (r *Relayer) Engine() *lifecycle.Engine { return r.engine }

func (r *Relayer) Signer() signer.Signer { return r.signer }

// Provider returns the bundler of chainID when name matches it, or any name
// is accepted when name is empty.
func (r *Relayer) Provider(chainID uint64, name string) bundler.Provider {
	p, ok := r.providers[chainID]
	if !ok {
		return nil
	}
	if name != "" && name != p.Name() {
		return nil
	}
	return p
}

// Wallet returns the wallet_* client of chainID, or nil when not configured.
func (r *Relayer) Wallet(chainID uint64) lifecycle.WalletProvider {
	w, ok := r.wallets[chainID]
	if !ok {
		return nil
	}
	return w
}

// Backup is nil until NewRelayer has opened storage.
func (r *Relayer) Backup() *backup.Service { return r.backup }

func (r *Relayer) Status() RelayerStatus {
	return r.status.Load().(RelayerStatus)
}

// Start runs until SIGINT or SIGTERM.
func (r *Relayer) Start(ctx context.Context) error {
	r.logger.Infof("Starting gasless relayer %s", version.Get())
	r.startedAt = time.Now()
	r.initSentry()

	r.logger.Infof("Starting receipt reconciler")
	if err := r.reconciler.Start(); err != nil {
		return err
	}

	if r.config.BackupDir != "" {
		if err := r.backup.StartPeriodicBackup(r.config.BackupInterval); err != nil {
			return err
		}
	}

	r.logger.Infof("Starting http server")
	r.startHttpServer(ctx)
	r.startUptimeTicker(ctx)
	r.status.Store(runningStatus)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}

	r.logger.Infof("Shutting down...")
	r.status.Store(shutdownStatus)
	r.Close()
	return nil
}

// Close releases everything NewRelayer opened. In-flight submissions stop
// polling; the reconciler picks them up on the next start.
func (r *Relayer) Close() {
	if r.reconciler != nil {
		if err := r.reconciler.Stop(); err != nil {
			r.logger.Warn("reconciler shutdown", "error", err)
		}
	}
	if r.backup != nil {
		r.backup.StopPeriodicBackup()
	}
	if r.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.http.Shutdown(ctx); err != nil {
			r.logger.Warn("http server shutdown", "error", err)
		}
		cancel()
	}
	r.closeClients()
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Error("failed to close storage", "error", err)
		}
	}
	if r.cache != nil {
		_ = r.cache.Close()
	}
	sentryFlushSafely(2 * time.Second)
}

func (r *Relayer) closeClients() {
	for _, p := range r.providers {
		p.Close()
	}
	for _, w := range r.wallets {
		w.Close()
	}
	for _, c := range r.clients {
		c.Close()
	}
}

func (r *Relayer) startUptimeTicker(ctx context.Context) {
	goSafe(func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.metrics.AddUptime(float64(now.Sub(last).Milliseconds()))
				last = now
				if r.Status() == shutdownStatus {
					return
				}
			}
		}
	})
}
