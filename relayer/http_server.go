package relayer

import (
	"context"
	"fmt"
	"net/http"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-gasless/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type chainInfo struct {
	ChainID    uint64 `json:"chainId"`
	EntryPoint string `json:"entryPoint"`
	Version    string `json:"version"`
	Provider   string `json:"provider"`
	Wallet     bool   `json:"wallet"`
}

func (r *Relayer) initSentry() {
	if r.config.SentryDsn == "" {
		r.logger.Info("sentry_dsn not configured, Sentry integration is disabled")
		return
	}

	env := "production"
	if r.config.Environment == sdklogging.Development {
		env = "development"
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              r.config.SentryDsn,
		ServerName:       r.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		r.logger.Errorf("Sentry initialization failed: %v", err)
		return
	}
	r.logger.Infof("Sentry initialized for environment: %s", env)
}

// newHttpServer serves health and metrics only; operations are submitted
// through the engine, never over this endpoint.
func (r *Relayer) newHttpServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	if r.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if r.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"version": version.Get(), "revision": version.Commit()},
		})
	})

	e.GET("/chains", func(c echo.Context) error {
		chains := make([]chainInfo, 0, len(r.config.Chains))
		for _, chain := range r.config.Chains {
			chains = append(chains, chainInfo{
				ChainID:    chain.ChainID,
				EntryPoint: chain.EntryPoint.Address.Hex(),
				Version:    string(chain.EntryPoint.Version),
				Provider:   string(chain.Provider.Vendor),
				Wallet:     chain.WalletURL != "",
			})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[[]chainInfo]{Data: chains})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))
	return e
}

func (r *Relayer) startHttpServer(ctx context.Context) {
	if r.config.HttpBindAddress == "" {
		r.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}
	r.http = r.newHttpServer()

	addr := r.config.HttpBindAddress
	r.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := r.http.Start(addr); err != nil && err != http.ErrServerClosed {
			r.logger.Warn("HTTP server failed to start; continuing without HTTP endpoint", "address", addr, "error", err)
		}
	})
}
