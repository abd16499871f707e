// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package app holds the configuration and logging bootstrap shared by the
// executables.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"binopt.org/binopt/bin/config"
	"binopt.org/binopt/po"
	"github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
)

const (
	defaultLogLevel   = "info"
	configFilename    = "pocketd.conf"
	defaultLogDirname = "logs"
)

// Config is the combined command-line and config-file configuration.
type Config struct {
	AppData    string `long:"appdata" description:"Path to application directory" ini:"appdata"`
	ConfigPath string `long:"config" description:"Path to an INI configuration file"`

	SSID     string `long:"ssid" description:"Session credential harvested from the browser (42[\"auth\",…] or bare JSON)" ini:"ssid"`
	Endpoint string `long:"endpoint" description:"Explicit WSS URL, skips endpoint discovery" ini:"endpoint"`
	Symbol   string `long:"symbol" description:"Default symbol primed on connect" ini:"symbol"`

	ReconnectBase time.Duration `long:"reconnectbase" description:"Reconnect backoff base" ini:"reconnectbase"`
	ReconnectCap  time.Duration `long:"reconnectcap" description:"Reconnect backoff cap" ini:"reconnectcap"`

	ConnectTimeout time.Duration `long:"connecttimeout" description:"Connect plus handshake deadline" ini:"connecttimeout"`
	TradeTimeout   time.Duration `long:"tradetimeout" description:"Trade acknowledgement deadline" ini:"tradetimeout"`
	CandlesTimeout time.Duration `long:"candlestimeout" description:"Candle history deadline" ini:"candlestimeout"`

	MaxSubscriptions int           `long:"maxsubs" description:"Concurrent subscription cap" ini:"maxsubs"`
	ClosedDealsCap   int           `long:"closeddeals" description:"Closed-deals ring capacity" ini:"closeddeals"`
	WaitlistTTL      time.Duration `long:"waitlistttl" description:"Waitlist retention window" ini:"waitlistttl"`
	PendingTTL       time.Duration `long:"pendingttl" description:"Pending-order retention window" ini:"pendingttl"`
	DedupWindow      time.Duration `long:"dedupwindow" description:"Duplicate-trade suppression window" ini:"dedupwindow"`

	MinAmount float64 `long:"minamount" description:"Smallest accepted stake" ini:"minamount"`
	MaxAmount float64 `long:"maxamount" description:"Largest accepted stake" ini:"maxamount"`

	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or subsystem=level pairs" ini:"log"`
	LogStdout  bool   `long:"logstdout" description:"Also log to stdout" ini:"logstdout"`
}

// DefaultConfig is the baseline configuration before file and CLI layers.
func DefaultConfig() *Config {
	return &Config{
		AppData:    defaultAppDataDir(),
		DebugLevel: defaultLogLevel,
	}
}

func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pocketd"
	}
	return filepath.Join(home, ".pocketd")
}

// ResolveConfig layers the configuration: defaults, then the INI file, then
// command-line flags.
func ResolveConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	// A pre-pass picks up --config and --appdata so the file layer reads
	// the right file.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}
	cfgPath := preCfg.ConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(preCfg.AppData, configFilename)
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if err := config.Parse(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfgPath, err)
		}
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.SSID == "" {
		return nil, fmt.Errorf("no ssid configured; set --ssid or ssid= in %s", cfgPath)
	}
	return cfg, nil
}

// LogPath is the rotating log file location.
func (cfg *Config) LogPath() string {
	return filepath.Join(cfg.AppData, defaultLogDirname, "pocketd.log")
}

// ClientOptions maps the configuration onto the client's option set.
func (cfg *Config) ClientOptions() *po.Options {
	opts := &po.Options{
		SSID:             cfg.SSID,
		EndpointOverride: cfg.Endpoint,
		DefaultSymbol:    cfg.Symbol,
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectCap:     cfg.ReconnectCap,
		ConnectTimeout:   cfg.ConnectTimeout,
		TradeTimeout:     cfg.TradeTimeout,
		CandlesTimeout:   cfg.CandlesTimeout,
		MaxSubscriptions: cfg.MaxSubscriptions,
		ClosedDealsCap:   cfg.ClosedDealsCap,
		WaitlistTTL:      cfg.WaitlistTTL,
		PendingOrdersTTL: cfg.PendingTTL,
		DedupWindow:      cfg.DedupWindow,
	}
	if cfg.MinAmount > 0 {
		opts.MinAmount = decimal.NewFromFloat(cfg.MinAmount)
	}
	if cfg.MaxAmount > 0 {
		opts.MaxAmount = decimal.NewFromFloat(cfg.MaxAmount)
	}
	return opts
}
