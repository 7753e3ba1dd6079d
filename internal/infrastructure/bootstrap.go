package infrastructure

import (
	"context"
	"time"

	"github.com/cmtehenz/otsem-api-sub000/internal/config"
	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
	"github.com/cmtehenz/otsem-api-sub000/internal/repository"
	"github.com/cmtehenz/otsem-api-sub000/internal/service"
	transportHTTP "github.com/cmtehenz/otsem-api-sub000/internal/transport/http"
	transportNATS "github.com/cmtehenz/otsem-api-sub000/internal/transport/nats"
	"github.com/cmtehenz/otsem-api-sub000/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	bus := transportNATS.NewBus(nc)
	cleanupFns = append(cleanupFns, nc.Close)

	// Rails
	bank := rail.NewPixBankClient(cfg.BankURL, cfg.BankAPIKey)
	exchange := rail.NewOkxClient(cfg.ExchangeURL, cfg.ExchangeAPIKey, cfg.ExchangePassphrase)
	chains := map[string]rail.ChainClient{
		model.NetworkTron:    rail.NewHTTPChainClient(cfg.TronURL, cfg.TronAPIKey, model.NetworkTron),
		model.NetworkPolygon: rail.NewHTTPChainClient(cfg.PolygonURL, cfg.PolygonAPIKey, model.NetworkPolygon),
	}

	// Repositories
	ledger := repository.NewLedgerRepo(db, bus)
	conversions := repository.NewConversionRepo(db)
	payouts := repository.NewPayoutRepo(db)
	wallets := repository.NewWalletRepo(db, rdb)
	customers := repository.NewCustomerRepo(db)

	// Services
	buy := service.NewBuyOrchestrator(cfg, ledger, conversions, customers, wallets, bank, exchange, bus)
	sell := service.NewSellOrchestrator(cfg, ledger, conversions, customers, wallets, exchange, chains, bus)
	payoutSvc := service.NewPayoutService(cfg, ledger, payouts, bank, bus)
	pixIn := service.NewPixInService(ledger)
	walletSvc := service.NewWalletService(wallets, chains)

	reconciler := worker.NewReconciler(sell, conversions, exchange, rdb, bus,
		time.Duration(cfg.ReconcileInterval)*time.Second)

	servers := []Server{
		reconciler,
		transportNATS.NewHandler(reconciler, nc),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		handler := transportHTTP.NewHandler(buy, sell, payoutSvc, pixIn, walletSvc, ledger, conversions, payouts, bank)
		servers = append(servers, transportHTTP.NewServer(addr, handler))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
