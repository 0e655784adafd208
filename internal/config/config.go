// Package config defines all configuration for the volume bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ALPHA_* environment variables.
//
// Strategy parameters inherit: global defaults → strategy block. The
// resolved per-strategy structs handed to the trading core are produced
// here; the core never re-reads raw configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"alpha-volume-bot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	API         APIConfig         `mapstructure:"api"`
	Defaults    StrategyDefaults  `mapstructure:"defaults"`
	Strategies  []StrategySpec    `mapstructure:"strategies"`
}

// ExchangeConfig holds Alpha API endpoints and the auth-failure
// classification data (session-invalidation codes and message patterns).
type ExchangeConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	WSURL        string   `mapstructure:"ws_url"`
	AuthCodes    []string `mapstructure:"auth_codes"`
	AuthPatterns []string `mapstructure:"auth_patterns"`
}

// CredentialsConfig sets where per-user credential files live.
type CredentialsConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the status/control HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StrategyDefaults are the global values a strategy block inherits when it
// does not set its own. Decimal-valued fields are strings so they parse
// exactly.
type StrategyDefaults struct {
	TargetChain           string `mapstructure:"target_chain"`
	SingleTradeAmountUSDT string `mapstructure:"single_trade_amount_usdt"`
	TradeIntervalSeconds  int    `mapstructure:"trade_interval_seconds"`
	BuyOffsetPercentage   string `mapstructure:"buy_offset_percentage"`
	SellProfitPercentage  string `mapstructure:"sell_profit_percentage"`
	OrderTimeoutSeconds   int    `mapstructure:"order_timeout_seconds"`
	RetryDelaySeconds     int    `mapstructure:"retry_delay_seconds"`
}

// StrategySpec is one strategy block as written in YAML. Pointer and empty
// string fields mean "inherit from defaults".
type StrategySpec struct {
	ID                    string  `mapstructure:"id"`
	DisplayName           string  `mapstructure:"display_name"`
	Enabled               bool    `mapstructure:"enabled"`
	TargetTokenSymbol     string  `mapstructure:"target_token_symbol"`
	TargetChain           string  `mapstructure:"target_chain"`
	TargetVolume          string  `mapstructure:"target_volume"`
	SingleTradeAmountUSDT string  `mapstructure:"single_trade_amount_usdt"`
	TradeIntervalSeconds  *int    `mapstructure:"trade_interval_seconds"`
	BuyOffsetPercentage   string  `mapstructure:"buy_offset_percentage"`
	SellProfitPercentage  string  `mapstructure:"sell_profit_percentage"`
	OrderTimeoutSeconds   *int    `mapstructure:"order_timeout_seconds"`
	RetryDelaySeconds     *int    `mapstructure:"retry_delay_seconds"`
	UserIDs               []int64 `mapstructure:"user_ids"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ALPHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("ALPHA_BASE_URL"); url != "" {
		cfg.Exchange.BaseURL = url
	}
	if url := os.Getenv("ALPHA_WS_URL"); url != "" {
		cfg.Exchange.WSURL = url
	}
	if dir := os.Getenv("ALPHA_CREDENTIALS_DIR"); dir != "" {
		cfg.Credentials.DataDir = dir
	}

	return &cfg, nil
}

// Validate checks required top-level fields.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required (set ALPHA_BASE_URL)")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required (set ALPHA_WS_URL)")
	}
	if c.Credentials.DataDir == "" {
		return fmt.Errorf("credentials.data_dir is required")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ResolvedStrategies flattens every strategy block against the global
// defaults and validates the result. The returned structs are what the
// trading core consumes.
func (c *Config) ResolvedStrategies() ([]types.StrategyConfig, error) {
	out := make([]types.StrategyConfig, 0, len(c.Strategies))
	for _, spec := range c.Strategies {
		resolved, err := c.resolve(spec)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", spec.ID, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (c *Config) resolve(spec StrategySpec) (types.StrategyConfig, error) {
	pick := func(own, def string) string {
		if own != "" {
			return own
		}
		return def
	}
	pickInt := func(own *int, def int) int {
		if own != nil {
			return *own
		}
		return def
	}

	targetVolume, err := parseDecimal("target_volume", spec.TargetVolume)
	if err != nil {
		return types.StrategyConfig{}, err
	}
	amount, err := parseDecimal("single_trade_amount_usdt", pick(spec.SingleTradeAmountUSDT, c.Defaults.SingleTradeAmountUSDT))
	if err != nil {
		return types.StrategyConfig{}, err
	}
	buyOffset, err := parseDecimal("buy_offset_percentage", pick(spec.BuyOffsetPercentage, c.Defaults.BuyOffsetPercentage))
	if err != nil {
		return types.StrategyConfig{}, err
	}
	sellProfit, err := parseDecimal("sell_profit_percentage", pick(spec.SellProfitPercentage, c.Defaults.SellProfitPercentage))
	if err != nil {
		return types.StrategyConfig{}, err
	}

	resolved := types.StrategyConfig{
		ID:                    spec.ID,
		DisplayName:           spec.DisplayName,
		Enabled:               spec.Enabled,
		TargetTokenSymbol:     spec.TargetTokenSymbol,
		TargetChain:           pick(spec.TargetChain, c.Defaults.TargetChain),
		TargetVolume:          targetVolume,
		SingleTradeAmountUSDT: amount,
		TradeIntervalSeconds:  pickInt(spec.TradeIntervalSeconds, c.Defaults.TradeIntervalSeconds),
		BuyOffsetPercentage:   buyOffset,
		SellProfitPercentage:  sellProfit,
		OrderTimeoutSeconds:   pickInt(spec.OrderTimeoutSeconds, c.Defaults.OrderTimeoutSeconds),
		RetryDelaySeconds:     pickInt(spec.RetryDelaySeconds, c.Defaults.RetryDelaySeconds),
		UserIDs:               append([]int64(nil), spec.UserIDs...),
	}

	if resolved.TargetTokenSymbol == "" {
		return types.StrategyConfig{}, fmt.Errorf("target_token_symbol is required")
	}
	if resolved.TargetVolume.Sign() <= 0 {
		return types.StrategyConfig{}, fmt.Errorf("target_volume must be > 0")
	}
	if resolved.SingleTradeAmountUSDT.Sign() <= 0 {
		return types.StrategyConfig{}, fmt.Errorf("single_trade_amount_usdt must be > 0")
	}
	if resolved.BuyOffsetPercentage.Sign() < 0 {
		return types.StrategyConfig{}, fmt.Errorf("buy_offset_percentage must be >= 0")
	}
	if resolved.SellProfitPercentage.Sign() < 0 {
		return types.StrategyConfig{}, fmt.Errorf("sell_profit_percentage must be >= 0")
	}
	if resolved.TradeIntervalSeconds < 0 {
		return types.StrategyConfig{}, fmt.Errorf("trade_interval_seconds must be >= 0")
	}
	if resolved.OrderTimeoutSeconds <= 0 {
		return types.StrategyConfig{}, fmt.Errorf("order_timeout_seconds must be > 0")
	}
	if resolved.RetryDelaySeconds < 0 {
		return types.StrategyConfig{}, fmt.Errorf("retry_delay_seconds must be >= 0")
	}
	if len(resolved.UserIDs) == 0 {
		return types.StrategyConfig{}, fmt.Errorf("user_ids is required")
	}

	return resolved, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
