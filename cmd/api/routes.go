package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/movie2book/backend/internal/auth"
	"github.com/movie2book/backend/internal/books"
	"github.com/movie2book/backend/internal/checkout"
	"github.com/movie2book/backend/internal/config"
	"github.com/movie2book/backend/internal/dashboard"
	"github.com/movie2book/backend/internal/identity"
	"github.com/movie2book/backend/internal/jobs"
	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/license"
	"github.com/movie2book/backend/internal/payments"
	"github.com/movie2book/backend/internal/processor"
	"github.com/movie2book/backend/internal/repository"
	"github.com/movie2book/backend/internal/router"
)

type app struct {
	router    http.Handler
	jobs      jobs.Service
	collector *books.Collector
}

// buildApp wires repositories, services and handlers into the API router.
// Middleware chain on uploads: RequireIdentity -> EntitlementCheck -> CreateJob.
func buildApp(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, enqueue jobs.EnqueueCollectFunc, logger *slog.Logger) *app {
	accountRepo := repository.NewAccountRepo(pool)
	jobRepo := repository.NewJobRepo(pool)
	bookRepo := repository.NewBookRepo(pool)

	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), logger)

	authSvc := auth.NewService(accountRepo, ledgerSvc, cfg.JWTSecret)
	licenseSessions := license.NewSessions(cfg.LicenseSessionSecret, cfg.LicenseSessionTTL)
	resolver := identity.NewResolver(accountRepo, authSvc, licenseSessions, ledgerSvc, license.CookieName, logger)

	var verifier license.Verifier = license.NewGumroadClient(cfg.Gumroad.ProductID)
	if rdb != nil {
		verifier = license.NewCachedVerifier(verifier, rdb, logger)
	}

	proc := processor.NewClient(cfg.ProcessorURL, cfg.ProcessorTimeout, cfg.ProcessorUploadTimeout)
	jobsSvc := jobs.NewService(jobRepo, proc, ledgerSvc, cfg.CreditsPerConversion, enqueue, logger)
	collector := books.NewCollector(bookRepo, jobRepo, proc, logger)

	paymentProcessor := payments.NewProcessor(ledgerSvc, accountRepo, logger,
		payments.NewStripeVerifier(cfg.Stripe),
		payments.NewPayPalVerifier(cfg.PayPal),
		payments.NewLemonSqueezyVerifier(cfg.LemonSqueezy),
		payments.NewPayFastVerifier(cfg.PayFast),
	)

	var sessions checkout.SessionCreator
	var portalSessions checkout.PortalCreator
	if cfg.Stripe.SecretKey != "" {
		backend := stripe.GetBackend(stripe.APIBackend)
		sessions = session.Client{B: backend, Key: cfg.Stripe.SecretKey}
		portalSessions = portal.Client{B: backend, Key: cfg.Stripe.SecretKey}
	}

	h := router.New(router.Handlers{
		Auth:      auth.NewHandler(authSvc, logger),
		License:   license.NewHandler(verifier, licenseSessions, resolver, cfg.IsProd(), logger),
		Jobs:      jobs.NewHandler(jobsSvc, cfg.MaxUploadBytes, logger),
		Books:     books.NewHandler(collector, logger),
		Dashboard: dashboard.NewHandler(accountRepo, ledgerSvc, logger),
		Payments:  payments.NewHandler(paymentProcessor, logger),
		Checkout:  checkout.NewHandler(sessions, cfg.AppURL, logger).WithPortal(portalSessions, accountRepo),
		Resolver:  resolver,
		Checker:   ledgerSvc,
		Cost:      cfg.CreditsPerConversion,
		Health:    proc,
		Log:       logger,
	})
	return &app{router: h, jobs: jobsSvc, collector: collector}
}
