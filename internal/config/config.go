// Package config loads and validates the engine configuration.
//
// Configuration is an INI file (default: configs/engine.ini) with one
// section per concern: [engine], [report], [api], one [gate.<name>] per
// venue adapter, and one [strategy.<name>] per strategy. Unknown keys in a
// consumed section are errors — a typo must fail at startup, not silently
// trade with a default.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"tradekit/pkg/types"
)

// Config is the validated top-level configuration.
type Config struct {
	Engine     EngineConfig
	Report     ReportConfig
	API        APIConfig
	Gates      []GateConfig
	Strategies []StrategyConfig
}

// EngineConfig is the [engine] section.
type EngineConfig struct {
	LogLevel   string // debug | info | warn | error
	LogFormat  string // text | json
	TradingLog string // path of the trading log file, empty = stdout
}

// ReportConfig is the [report] section.
type ReportConfig struct {
	IsEnabled bool
	Dir       string
}

// APIConfig is the [api] section.
type APIConfig struct {
	IsEnabled bool
	Addr      string
}

// GateConfig is one [gate.<name>] section: a venue adapter instance.
type GateConfig struct {
	Name           string
	Module         string // adapter module, currently "xmlgate"
	URL            string
	RestURL        string
	Login          string
	Password       string
	Host           string
	Port           int
	Client         string
	Union          string
	RQDelay        time.Duration
	SessionTimeout time.Duration
	RequestTimeout time.Duration
	PollingInterval time.Duration
	CommissionRatio float64
	PricePrecision  int
	TradingMode     string // live | paper
}

// StrategyLeg is one parsed `legs` entry: ±SYMBOL.
type StrategyLeg struct {
	Symbol types.Symbol
	IsLong bool
}

// StrategyConfig is one [strategy.<name>] section.
type StrategyConfig struct {
	Name      string
	Module    string // triarb | emacross
	ID        uuid.UUID
	IsEnabled bool
	Requires  []string // required data subscriptions
	Gates     []string // venue adapters this strategy trades on

	// triarb
	Legs           []StrategyLeg
	LegVenues      [3][]string
	MinVolume      float64
	MaxVolume      float64
	MinProfitRatio float64
	IsTradingEnabled bool

	// emacross
	Symbol                  types.Symbol
	NumberOfContracts       float64
	FastPeriod              int
	SlowPeriod              int
	PassiveOrderMaxLifetime time.Duration
}

var (
	engineKeys = keySet("log_level", "log_format", "trading_log")
	reportKeys = keySet("is_enabled", "dir")
	apiKeys    = keySet("is_enabled", "addr")
	gateKeys   = keySet(
		"module", "url", "rest_url", "login", "password", "host", "port",
		"client", "union", "rqdelay", "session_timeout", "request_timeout",
		"polling_interval", "commission_ratio", "price_precision", "trading_mode",
	)
	strategyCommonKeys = keySet("module", "id", "is_enabled", "is_trading_enabled", "requires", "gates")
	triarbKeys         = keySet(
		"legs", "leg1_venues", "leg2_venues", "leg3_venues",
		"min_volume", "max_volume", "min_profit_ratio",
	)
	emacrossKeys = keySet(
		"symbol", "number_of_contracts", "fast_period", "slow_period",
		"passive_order_max_lifetime",
	)
)

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := &Config{}
	all := v.AllSettings()

	if section, ok := all["engine"].(map[string]any); ok {
		if err := checkKeys("engine", section, engineKeys); err != nil {
			return nil, err
		}
		cfg.Engine = EngineConfig{
			LogLevel:   v.GetString("engine.log_level"),
			LogFormat:  v.GetString("engine.log_format"),
			TradingLog: v.GetString("engine.trading_log"),
		}
	}

	if section, ok := all["report"].(map[string]any); ok {
		if err := checkKeys("report", section, reportKeys); err != nil {
			return nil, err
		}
		cfg.Report = ReportConfig{
			IsEnabled: v.GetBool("report.is_enabled"),
			Dir:       v.GetString("report.dir"),
		}
		if cfg.Report.IsEnabled && cfg.Report.Dir == "" {
			return nil, fmt.Errorf("section [report]: dir is required when enabled")
		}
	}

	if section, ok := all["api"].(map[string]any); ok {
		if err := checkKeys("api", section, apiKeys); err != nil {
			return nil, err
		}
		cfg.API = APIConfig{
			IsEnabled: v.GetBool("api.is_enabled"),
			Addr:      v.GetString("api.addr"),
		}
		if cfg.API.IsEnabled && cfg.API.Addr == "" {
			return nil, fmt.Errorf("section [api]: addr is required when enabled")
		}
	}

	for _, name := range subsectionNames(all, "gate") {
		gate, err := loadGate(v, all, name)
		if err != nil {
			return nil, err
		}
		cfg.Gates = append(cfg.Gates, gate)
	}

	for _, name := range subsectionNames(all, "strategy") {
		strat, err := loadStrategy(v, all, name)
		if err != nil {
			return nil, err
		}
		cfg.Strategies = append(cfg.Strategies, strat)
	}

	if len(cfg.Gates) == 0 {
		return nil, fmt.Errorf("no [gate.<name>] sections configured")
	}
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("no [strategy.<name>] sections configured")
	}
	return cfg, nil
}

func loadGate(v *viper.Viper, all map[string]any, name string) (GateConfig, error) {
	prefix := "gate." + name + "."
	section := subsection(all, "gate", name)
	if err := checkKeys("gate."+name, section, gateKeys); err != nil {
		return GateConfig{}, err
	}

	gate := GateConfig{
		Name:            name,
		Module:          v.GetString(prefix + "module"),
		URL:             v.GetString(prefix + "url"),
		RestURL:         v.GetString(prefix + "rest_url"),
		Login:           v.GetString(prefix + "login"),
		Password:        v.GetString(prefix + "password"),
		Host:            v.GetString(prefix + "host"),
		Port:            v.GetInt(prefix + "port"),
		Client:          v.GetString(prefix + "client"),
		Union:           v.GetString(prefix + "union"),
		RQDelay:         v.GetDuration(prefix + "rqdelay"),
		SessionTimeout:  v.GetDuration(prefix + "session_timeout"),
		RequestTimeout:  v.GetDuration(prefix + "request_timeout"),
		PollingInterval: v.GetDuration(prefix + "polling_interval"),
		CommissionRatio: v.GetFloat64(prefix + "commission_ratio"),
		PricePrecision:  v.GetInt(prefix + "price_precision"),
		TradingMode:     v.GetString(prefix + "trading_mode"),
	}
	if gate.Module == "" {
		gate.Module = "xmlgate"
	}
	if gate.Module != "xmlgate" {
		return GateConfig{}, fmt.Errorf("section [gate.%s]: unknown module %q", name, gate.Module)
	}
	if gate.TradingMode == "" {
		gate.TradingMode = "live"
	}
	if gate.TradingMode != "live" && gate.TradingMode != "paper" {
		return GateConfig{}, fmt.Errorf("section [gate.%s]: trading_mode must be live or paper, got %q", name, gate.TradingMode)
	}
	for _, required := range []struct{ key, val string }{
		{"url", gate.URL},
		{"login", gate.Login},
		{"password", gate.Password},
		{"host", gate.Host},
		{"client", gate.Client},
	} {
		if required.val == "" {
			return GateConfig{}, fmt.Errorf("section [gate.%s]: %s is required", name, required.key)
		}
	}
	if gate.Port <= 0 {
		return GateConfig{}, fmt.Errorf("section [gate.%s]: port is required", name)
	}
	return gate, nil
}

func loadStrategy(v *viper.Viper, all map[string]any, name string) (StrategyConfig, error) {
	prefix := "strategy." + name + "."
	section := subsection(all, "strategy", name)

	strat := StrategyConfig{
		Name:             name,
		Module:           v.GetString(prefix + "module"),
		IsEnabled:        v.GetBool(prefix + "is_enabled"),
		IsTradingEnabled: v.GetBool(prefix + "is_trading_enabled"),
		Requires:         splitList(v.GetString(prefix + "requires")),
		Gates:            splitList(v.GetString(prefix + "gates")),
	}

	rawID := v.GetString(prefix + "id")
	if rawID == "" {
		return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: id is required", name)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: invalid id: %w", name, err)
	}
	strat.ID = id

	switch strat.Module {
	case "triarb":
		if err := checkKeys("strategy."+name, section, union(strategyCommonKeys, triarbKeys)); err != nil {
			return StrategyConfig{}, err
		}
		legs := splitList(v.GetString(prefix + "legs"))
		if len(legs) != 3 {
			return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: legs must list exactly 3 entries", name)
		}
		for _, raw := range legs {
			leg, err := parseLeg(raw)
			if err != nil {
				return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: %w", name, err)
			}
			strat.Legs = append(strat.Legs, leg)
		}
		for i := 0; i < 3; i++ {
			strat.LegVenues[i] = splitList(v.GetString(fmt.Sprintf("%sleg%d_venues", prefix, i+1)))
		}
		strat.MinVolume = v.GetFloat64(prefix + "min_volume")
		strat.MaxVolume = v.GetFloat64(prefix + "max_volume")
		strat.MinProfitRatio = v.GetFloat64(prefix + "min_profit_ratio")
		if strat.MaxVolume <= 0 {
			return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: max_volume is required", name)
		}

	case "emacross":
		if err := checkKeys("strategy."+name, section, union(strategyCommonKeys, emacrossKeys)); err != nil {
			return StrategyConfig{}, err
		}
		symbol, err := ParseSymbol(v.GetString(prefix + "symbol"))
		if err != nil {
			return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: %w", name, err)
		}
		strat.Symbol = symbol
		strat.NumberOfContracts = v.GetFloat64(prefix + "number_of_contracts")
		strat.FastPeriod = v.GetInt(prefix + "fast_period")
		strat.SlowPeriod = v.GetInt(prefix + "slow_period")
		strat.PassiveOrderMaxLifetime = v.GetDuration(prefix + "passive_order_max_lifetime")

	case "":
		return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: module is required", name)
	default:
		return StrategyConfig{}, fmt.Errorf("section [strategy.%s]: unknown module %q", name, strat.Module)
	}
	return strat, nil
}

// ParseSymbol reads "BTC_USD" or "BTC/USD" into a Symbol.
func ParseSymbol(s string) (types.Symbol, error) {
	sep := "_"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.Symbol{}, fmt.Errorf("invalid symbol %q", s)
	}
	return types.Symbol{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1]), Type: types.Crypto}, nil
}

func parseLeg(raw string) (StrategyLeg, error) {
	if len(raw) < 2 || (raw[0] != '+' && raw[0] != '-') {
		return StrategyLeg{}, fmt.Errorf("wrong leg configuration %q, want ±SYMBOL", raw)
	}
	symbol, err := ParseSymbol(raw[1:])
	if err != nil {
		return StrategyLeg{}, err
	}
	return StrategyLeg{Symbol: symbol, IsLong: raw[0] == '+'}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func keySet(keys ...string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// checkKeys rejects any key the section does not define.
func checkKeys(section string, settings map[string]any, allowed map[string]bool) error {
	var unknown []string
	for key := range settings {
		if !allowed[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("section [%s]: unknown keys: %s", section, strings.Join(unknown, ", "))
	}
	return nil
}

// subsectionNames lists the <name> parts of [group.<name>] sections.
func subsectionNames(all map[string]any, group string) []string {
	nested, ok := all[group].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(nested))
	for name := range nested {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func subsection(all map[string]any, group, name string) map[string]any {
	nested, ok := all[group].(map[string]any)
	if !ok {
		return nil
	}
	section, _ := nested[name].(map[string]any)
	return section
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
