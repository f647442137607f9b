package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jumpei00/gofuturestrade/config"
	"github.com/jumpei00/gofuturestrade/exchange"
	"github.com/jumpei00/gofuturestrade/feed"
	"github.com/jumpei00/gofuturestrade/log"
	"github.com/jumpei00/gofuturestrade/schedule"
	"github.com/jumpei00/gofuturestrade/stream"
	"github.com/jumpei00/gofuturestrade/trading"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com"
	testnetStreamURL = "wss://stream.binancefuture.com"
)

func main() {
	config.InitConfig()
	log.SetLogging()

	if config.Config.APIKey == "" || config.Config.APISecret == "" {
		logrus.Fatal("api credentials are not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := exchange.NewClient(exchange.APIParams{
		Key:        config.Config.APIKey,
		Secret:     config.Config.APISecret,
		RecvWindow: config.Config.RecvWindow,
		Testnet:    config.Config.Testnet,
	})

	queue := schedule.New()
	defer queue.Stop()

	tctx := trading.NewTradingContext()
	sigSettings := trading.NewSignalSettings()

	engine := trading.NewEngine(trading.Settings{
		Symbol:          config.Config.Symbol,
		Asset:           config.Config.Asset,
		TickSize:        config.Config.TickSize,
		LotStep:         config.Config.LotStep,
		EntryGap:        config.Config.EntryGap,
		TPPercent:       config.Config.TPPercent,
		SLPercent:       config.Config.SLPercent,
		Leverage:        config.Config.Leverage,
		Quantity:        config.Config.Quantity,
		EntryDelay:      time.Duration(config.Config.EntryDelaySec) * time.Second,
		MonitorInterval: time.Duration(config.Config.MonitorIntervalSec) * time.Second,
		CancelDelay:     time.Duration(config.Config.CancelDelaySec) * time.Second,
	}, client, queue, tctx, sigSettings)

	streamURL := mainnetStreamURL
	if config.Config.Testnet {
		streamURL = testnetStreamURL
	}

	marketFeed := stream.NewMarketFeed(streamURL, config.Config.Symbol, config.Config.TickSize, stream.PriceOffsets{
		EntryGap:  config.Config.EntryGap,
		TPPercent: config.Config.TPPercent,
		SLPercent: -config.Config.SLPercent,
	}, tctx)
	marketSession := stream.NewSession("market", marketFeed)
	go marketSession.Run(ctx)
	defer marketSession.Close()

	userFeed := stream.NewUserFeed(streamURL, config.Config.Symbol, config.Config.LotStep, client, engine)
	userFeed.StartKeepAlive(ctx)
	defer userFeed.StopKeepAlive()
	userSession := stream.NewSession("user", userFeed)
	go userSession.Run(ctx)
	defer userSession.Close()

	watcher := feed.NewWatcher(
		config.Config.SignalFile,
		config.Config.BlackoutFiles,
		time.Duration(config.Config.PollIntervalSec)*time.Second,
	)
	watcher.OnRange = sigSettings.SetRange
	go watcher.Run(ctx)

	logrus.Infof("trading %s, streaming from %s", config.Config.Symbol, streamURL)
	engine.Run(ctx, watcher.Signals())
}
