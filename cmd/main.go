package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/api"
	"github.com/amirphl/simple-broker/internal/broker"
	"github.com/amirphl/simple-broker/internal/config"
	"github.com/amirphl/simple-broker/internal/db"
	"github.com/amirphl/simple-broker/internal/db/conf"
	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/journal"
	"github.com/amirphl/simple-broker/internal/notifier"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/state"
	"github.com/amirphl/simple-broker/internal/utils"
)

var _ api.Broker = (*broker.Broker)(nil)

func main() {
	cfg := config.MustLoadConfig()

	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Broker exited", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	storage, journaler, closeStorage, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	infos, data, assets := instruments(cfg)

	var (
		gw       exchange.Gateway
		accounts exchange.Accounts
		prices   exchange.PriceSource
	)
	account := exchange.AccountInfo{
		TradeAccountID: cfg.TradeAccountID,
		ClientCode:     cfg.ClientCode,
		FirmID:         cfg.FirmID,
	}
	switch cfg.Mode {
	case config.ModeLive:
		symbols := make([]string, 0, len(infos))
		for _, info := range infos {
			symbols = append(symbols, info.SecCode)
		}
		watcher := exchange.NewTradeWatcher(cfg.WallexSocketURL, symbols, logger)
		watcher.Start(ctx)
		prices = exchange.Prices{watcher, exchange.NewWallexPrices(cfg.WallexAPIKey, logger)}

		wallex := exchange.NewWallexGateway(cfg.WallexAPIKey, cfg.WallexPollInterval, logger)
		wallex.Start(ctx)
		gw = wallex
		accounts = exchange.NewWallexAccounts(cfg.WallexAPIKey, account, cfg.Currency, assets)
	default:
		mock := exchange.NewMockGateway(logger, exchange.MockOptions{AutoAccept: true, AutoFill: true})
		mock.Start(ctx)
		gw = mock
		accounts = exchange.NewStaticAccounts(account, cfg.PaperCash, nil)
	}
	catalog := exchange.NewStaticInstruments(infos, prices)

	var sinks []notifier.Sink
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notifier.TextSink{Notifier: notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)})
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notifier.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}
	fanout := notifier.NewFanout(logger, cfg.NotifyBuffer, sinks...)
	fanout.Start(ctx)

	b, err := broker.New(broker.Options{
		Gateway:             gw,
		Instruments:         catalog,
		Accounts:            accounts,
		Data:                data,
		State:               storage,
		Journal:             journaler,
		Notify:              fanout.Publish,
		ClientCodeForOrders: cfg.ClientCodeForOrders,
		LotsMode:            cfg.LotsMode,
		SlippageSteps:       cfg.SlippageSteps,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	// Order intents come from a strategy embedding broker.Broker as a library.
	// Run standalone, the daemon restores and reconciles state, follows
	// gateway events and serves the read-only API.
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()
	logger.Info("Broker started",
		zap.String("mode", cfg.Mode), zap.String("gateway", gw.Name()),
		zap.String("state", cfg.StateBackend), zap.Int("instruments", len(infos)))

	if cfg.APIAddr != "" {
		go func() {
			if err := api.NewServer(b, logger).Start(ctx, cfg.APIAddr); err != nil {
				logger.Error("API server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	b.Stop()
	fanout.Wait()
	return nil
}

// openStorage returns the snapshot backend and the journal for the configured
// state backend. Only postgres keeps the journal across restarts.
func openStorage(cfg config.Config, logger *zap.Logger) (state.StateManager, journal.Journaler, func(), error) {
	noop := func() {}
	switch cfg.StateBackend {
	case config.StateNone:
		return nil, db.NewMemory(), noop, nil
	case config.StateFile:
		return state.NewFileBackend(cfg.StatePath), db.NewMemory(), noop, nil
	case config.StatePebble:
		p, err := state.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to open pebble state: %w", err)
		}
		return p, db.NewMemory(), func() {
			if err := p.Close(); err != nil {
				logger.Error("Failed to close pebble state", zap.Error(err))
			}
		}, nil
	case config.StatePostgres:
		c, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			return nil, nil, noop, err
		}
		pg, err := db.New(*c)
		if err != nil {
			c.DB.Close()
			return nil, nil, noop, err
		}
		return pg, pg, func() { c.DB.Close() }, nil
	}
	return nil, nil, noop, errors.New("unknown state backend " + cfg.StateBackend)
}

// instruments splits the configured instruments into trading metadata, the
// data feed map and the Wallex asset map.
func instruments(cfg config.Config) ([]exchange.Info, broker.DataMap, map[string]order.Instrument) {
	infos := make([]exchange.Info, 0, len(cfg.Instruments))
	data := make(broker.DataMap, len(cfg.Instruments))
	assets := make(map[string]order.Instrument, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		inst := order.Instrument{ClassCode: in.ClassCode, SecCode: in.SecCode, Derivative: in.Derivative}
		infos = append(infos, exchange.Info{
			ClassCode: in.ClassCode,
			SecCode:   in.SecCode,
			TickSize:  in.TickSize,
			LotSize:   in.LotSize,
			Scale:     in.Scale,
			FaceValue: in.FaceValue,
			StepPrice: in.StepPrice,
		})
		data[in.DataID] = inst
		asset := in.Asset
		if asset == "" {
			asset = exchange.BaseAsset(in.SecCode)
		}
		assets[strings.ToUpper(asset)] = inst
	}
	return infos, data, assets
}
