package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validINI = `[engine]
log_level = debug
log_format = json

[report]
is_enabled = true
dir = /tmp/reports

[api]
is_enabled = true
addr = 127.0.0.1:8642

[gate.main]
url = ws://localhost:9000/stream
rest_url = http://localhost:9000
login = trader
password = secret
host = venue.example.net
port = 3900
client = ACC-1
union = U-1
rqdelay = 100ms
session_timeout = 2m
request_timeout = 5s
polling_interval = 1s
commission_ratio = 0.001
price_precision = 2
trading_mode = paper

[strategy.tri]
module = triarb
id = f0f45162-f1d3-484a-a0f3-7ac7df7f9da9
is_enabled = true
is_trading_enabled = true
min_volume = 0
max_volume = 1000
min_profit_ratio = 0.01
legs = -BTC_USD,-ETH_BTC,+ETH_USD
gates = main

[strategy.gold]
module = emacross
id = 1896ff31-8d41-4fbe-97c9-bb17c37b57c4
is_enabled = false
symbol = GD_USD
number_of_contracts = 3
fast_period = 12
slow_period = 26
passive_order_max_lifetime = 30s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.ini")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, validINI))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.LogLevel != "debug" || cfg.Engine.LogFormat != "json" {
		t.Errorf("engine section = %+v", cfg.Engine)
	}
	if !cfg.Report.IsEnabled || cfg.Report.Dir != "/tmp/reports" {
		t.Errorf("report section = %+v", cfg.Report)
	}
	if !cfg.API.IsEnabled || cfg.API.Addr != "127.0.0.1:8642" {
		t.Errorf("api section = %+v", cfg.API)
	}

	if len(cfg.Gates) != 1 {
		t.Fatalf("got %d gates, want 1", len(cfg.Gates))
	}
	gate := cfg.Gates[0]
	if gate.Name != "main" || gate.Module != "xmlgate" {
		t.Errorf("gate identity = %s/%s", gate.Name, gate.Module)
	}
	if gate.RQDelay != 100*time.Millisecond || gate.SessionTimeout != 2*time.Minute {
		t.Errorf("gate timings = %v/%v", gate.RQDelay, gate.SessionTimeout)
	}
	if gate.TradingMode != "paper" || gate.PricePrecision != 2 {
		t.Errorf("gate = %+v", gate)
	}

	if len(cfg.Strategies) != 2 {
		t.Fatalf("got %d strategies, want 2", len(cfg.Strategies))
	}
	var tri, gold *StrategyConfig
	for i := range cfg.Strategies {
		switch cfg.Strategies[i].Name {
		case "tri":
			tri = &cfg.Strategies[i]
		case "gold":
			gold = &cfg.Strategies[i]
		}
	}
	if tri == nil || gold == nil {
		t.Fatal("strategy sections missing")
	}

	if len(tri.Legs) != 3 {
		t.Fatalf("tri legs = %d, want 3", len(tri.Legs))
	}
	if tri.Legs[0].IsLong || tri.Legs[0].Symbol.Base != "BTC" || tri.Legs[0].Symbol.Quote != "USD" {
		t.Errorf("leg1 = %+v", tri.Legs[0])
	}
	if !tri.Legs[2].IsLong || tri.Legs[2].Symbol.Base != "ETH" {
		t.Errorf("leg3 = %+v", tri.Legs[2])
	}
	if tri.MaxVolume != 1000 || tri.MinProfitRatio != 0.01 || !tri.IsTradingEnabled {
		t.Errorf("tri = %+v", tri)
	}

	if gold.IsEnabled {
		t.Error("gold must be disabled")
	}
	if gold.Symbol.Base != "GD" || gold.FastPeriod != 12 || gold.SlowPeriod != 26 {
		t.Errorf("gold = %+v", gold)
	}
	if gold.PassiveOrderMaxLifetime != 30*time.Second {
		t.Errorf("gold escalation = %v", gold.PassiveOrderMaxLifetime)
	}
}

func TestUnknownKeyIsAnError(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "commission_ratio = 0.001", "comission_ratio = 0.001", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("Load = %v, want unknown-key error", err)
	}
}

func TestMissingRequiredGateKey(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "login = trader\n", "", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "login is required") {
		t.Fatalf("Load = %v, want missing-login error", err)
	}
}

func TestInvalidStrategyID(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "id = f0f45162-f1d3-484a-a0f3-7ac7df7f9da9", "id = not-a-uuid", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "invalid id") {
		t.Fatalf("Load = %v, want invalid-id error", err)
	}
}

func TestWrongLegCount(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "legs = -BTC_USD,-ETH_BTC,+ETH_USD", "legs = -BTC_USD,+ETH_USD", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "exactly 3") {
		t.Fatalf("Load = %v, want leg-count error", err)
	}
}

func TestWrongLegSyntax(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "legs = -BTC_USD,-ETH_BTC,+ETH_USD", "legs = BTC_USD,-ETH_BTC,+ETH_USD", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "wrong leg configuration") {
		t.Fatalf("Load = %v, want leg-syntax error", err)
	}
}

func TestUnknownStrategyModule(t *testing.T) {
	t.Parallel()
	broken := strings.Replace(validINI, "module = triarb", "module = martingale", 1)
	_, err := Load(writeConfig(t, broken))
	if err == nil || !strings.Contains(err.Error(), "unknown module") {
		t.Fatalf("Load = %v, want unknown-module error", err)
	}
}

func TestParseSymbol(t *testing.T) {
	t.Parallel()
	sym, err := ParseSymbol("btc_usd")
	if err != nil || sym.Base != "BTC" || sym.Quote != "USD" {
		t.Fatalf("ParseSymbol = %+v, %v", sym, err)
	}
	sym, err = ParseSymbol("ETH/BTC")
	if err != nil || sym.Base != "ETH" || sym.Quote != "BTC" {
		t.Fatalf("ParseSymbol = %+v, %v", sym, err)
	}
	if _, err := ParseSymbol("nonsense"); err == nil {
		t.Fatal("bare symbol must be rejected")
	}
}
