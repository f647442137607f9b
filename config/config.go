package config

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Config represents config info
var Config ConfList

// ConfList has contents of config.ini
type ConfList struct {
	// api
	APIKey     string
	APISecret  string
	RecvWindow int64
	Testnet    bool

	// symbol
	Symbol   string
	Asset    string
	TickSize float64
	LotStep  float64

	// trade
	EntryGap           float64
	TPPercent          float64
	SLPercent          float64
	Leverage           float64
	Quantity           float64
	EntryDelaySec      int
	MonitorIntervalSec int
	CancelDelaySec     int

	// feed
	SignalFile      string
	BlackoutFiles   []string
	PollIntervalSec int
}

// InitConfig initializes config settings
func InitConfig() {
	InitConfigFile("config.ini")
}

// InitConfigFile loads config settings from the given ini file
func InitConfigFile(path string) {
	conf, err := ini.Load(path)
	if err != nil {
		logrus.Warnf("init file open error: %v", err)
		return
	}

	Config = ConfList{
		APIKey:     conf.Section("api").Key("key").String(),
		APISecret:  conf.Section("api").Key("secret").String(),
		RecvWindow: conf.Section("api").Key("recvWindow").MustInt64(5000),
		Testnet:    conf.Section("api").Key("testnet").MustBool(false),

		Symbol:   conf.Section("symbol").Key("name").MustString("BTCUSDT"),
		Asset:    conf.Section("symbol").Key("asset").MustString("USDT"),
		TickSize: conf.Section("symbol").Key("tickSize").MustFloat64(0.1),
		LotStep:  conf.Section("symbol").Key("lotStep").MustFloat64(0.001),

		EntryGap:           conf.Section("trade").Key("entryGap").MustFloat64(-0.0008),
		TPPercent:          conf.Section("trade").Key("tpPercent").MustFloat64(0.014),
		SLPercent:          conf.Section("trade").Key("slPercent").MustFloat64(0.01),
		Leverage:           conf.Section("trade").Key("leverage").MustFloat64(1),
		Quantity:           conf.Section("trade").Key("quantity").MustFloat64(0),
		EntryDelaySec:      conf.Section("trade").Key("entryDelaySec").MustInt(2),
		MonitorIntervalSec: conf.Section("trade").Key("monitorIntervalSec").MustInt(5),
		CancelDelaySec:     conf.Section("trade").Key("cancelDelaySec").MustInt(600),

		SignalFile:      conf.Section("feed").Key("signalFile").String(),
		BlackoutFiles:   conf.Section("feed").Key("blackoutFiles").Strings(","),
		PollIntervalSec: conf.Section("feed").Key("pollIntervalSec").MustInt(5),
	}
}
