// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
mode: "live"
wallex_api_key: "..."
wallex_poll_interval: 5s
trade_account_id: "spot"
currency: "usdt"
slippage_steps: 2
state_backend: "pebble"
pebble_dir: "data/state"
db_conn_str: "..."
instruments:
  - { data_id: "btc", class_code: "SPOT", sec_code: "BTCUSDT", tick_size: 0.01, lot_size: 0.000001, asset: "btc" }
  - { data_id: "eth", class_code: "SPOT", sec_code: "ETHUSDT", tick_size: 0.01, lot_size: 0.0001, asset: "eth" }
telegram_token: "..."
telegram_chat_id: "..."
kafka_brokers: ["localhost:9092"]
kafka_topic: "broker.orders"
api_addr: ":8080"
*/

const (
	ModeLive  = "live"
	ModePaper = "paper"

	StateNone     = "none"
	StateFile     = "file"
	StatePebble   = "pebble"
	StatePostgres = "postgres"
)

type Config struct {
	Mode string `yaml:"mode"`

	WallexAPIKey       string        `yaml:"wallex_api_key"`
	WallexPollInterval time.Duration `yaml:"wallex_poll_interval"`
	WallexSocketURL    string        `yaml:"wallex_socket_url"`

	TradeAccountID      string  `yaml:"trade_account_id"`
	ClientCode          string  `yaml:"client_code"`
	ClientCodeForOrders string  `yaml:"client_code_for_orders"`
	FirmID              string  `yaml:"firm_id"`
	Currency            string  `yaml:"currency"`
	PaperCash           float64 `yaml:"paper_cash"`
	LotsMode            bool    `yaml:"lots_mode"`
	SlippageSteps       int     `yaml:"slippage_steps"`

	StateBackend string `yaml:"state_backend"`
	StatePath    string `yaml:"state_path"`
	PebbleDir    string `yaml:"pebble_dir"`
	DBConnStr    string `yaml:"db_conn_str"`
	DBMaxOpen    int    `yaml:"db_max_open"`
	DBMaxIdle    int    `yaml:"db_max_idle"`

	Instruments []Instrument `yaml:"instruments"`

	TelegramToken  string   `yaml:"telegram_token"`
	TelegramChatID string   `yaml:"telegram_chat_id"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	NotifyBuffer   int      `yaml:"notify_buffer"`

	APIAddr  string `yaml:"api_addr"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Instrument binds a strategy data feed to a tradable instrument and carries
// its trading metadata.
type Instrument struct {
	DataID     string  `yaml:"data_id"`
	ClassCode  string  `yaml:"class_code"`
	SecCode    string  `yaml:"sec_code"`
	Derivative bool    `yaml:"derivative"`
	TickSize   float64 `yaml:"tick_size"`
	LotSize    float64 `yaml:"lot_size"`
	Scale      int32   `yaml:"scale"`
	FaceValue  float64 `yaml:"face_value"`
	StepPrice  float64 `yaml:"step_price"`
	// Asset is the balance currency that holds the instrument on Wallex.
	Asset string `yaml:"asset"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Mode:               ModePaper,
		WallexPollInterval: 5 * time.Second,
		TradeAccountID:     "paper",
		Currency:           "usdt",
		PaperCash:          10000,
		StateBackend:       StateFile,
		StatePath:          "data/broker_state.json",
		PebbleDir:          "data/state",
		DBMaxOpen:          10,
		DBMaxIdle:          5,
		NotifyBuffer:       256,
		APIAddr:            ":8080",
		LogLevel:           "info",
	}
}

// MustLoadConfig loads the configuration from the command line, the
// environment and the optional YAML file, and exits on failure.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// Load parses args. A -config file replaces the flag values; secrets still
// come from the environment (and .env) when the file leaves them empty.
func Load(args []string) (Config, error) {
	def := Default()
	fs := flag.NewFlagSet("simple-broker", flag.ContinueOnError)
	mode := fs.String("mode", def.Mode, "Mode: live or paper")
	account := fs.String("account", def.TradeAccountID, "Trade account id")
	clientCode := fs.String("client-code", "", "Client code")
	clientCodeForOrders := fs.String("client-code-for-orders", "", "Client code sent on transactions, overrides -client-code")
	firmID := fs.String("firm-id", "", "Firm id")
	currency := fs.String("currency", def.Currency, "Account currency")
	paperCash := fs.Float64("paper-cash", def.PaperCash, "Starting cash in paper mode")
	lotsMode := fs.Bool("lots", false, "Send quantities in lots")
	slippageSteps := fs.Int("slippage-steps", 0, "Ticks a derivative market order may slip")
	pollInterval := fs.Duration("poll-interval", def.WallexPollInterval, "Wallex order status poll interval")
	stateBackend := fs.String("state", def.StateBackend, "State backend: none, file, pebble or postgres")
	statePath := fs.String("state-path", def.StatePath, "Snapshot file for the file backend")
	pebbleDir := fs.String("pebble-dir", def.PebbleDir, "Directory of the pebble backend")
	instruments := fs.String("instruments", "", "Comma-separated data:CLASS:SEC:tick:lot[:derivative] entries (e.g., btc:SPOT:BTCUSDT:0.01:0.000001)")
	telegramToken := fs.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	kafkaBrokers := fs.String("kafka-brokers", "", "Comma-separated Kafka brokers for order notifications")
	kafkaTopic := fs.String("kafka-topic", "broker.orders", "Kafka topic for order notifications")
	apiAddr := fs.String("api-addr", def.APIAddr, "HTTP API listen address, empty to disable")
	logLevel := fs.String("log-level", def.LogLevel, "Log level")
	logFile := fs.String("log-file", "", "Also write logs to this file")
	envFile := fs.String("env", "", "Path to .env file")
	configFile := fs.String("config", "", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg = def
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		parsed, err := ParseInstruments(*instruments)
		if err != nil {
			return Config{}, err
		}
		cfg = def
		cfg.Mode = *mode
		cfg.TradeAccountID = *account
		cfg.ClientCode = *clientCode
		cfg.ClientCodeForOrders = *clientCodeForOrders
		cfg.FirmID = *firmID
		cfg.Currency = *currency
		cfg.PaperCash = *paperCash
		cfg.LotsMode = *lotsMode
		cfg.SlippageSteps = *slippageSteps
		cfg.WallexPollInterval = *pollInterval
		cfg.StateBackend = *stateBackend
		cfg.StatePath = *statePath
		cfg.PebbleDir = *pebbleDir
		cfg.Instruments = parsed
		cfg.TelegramToken = *telegramToken
		cfg.TelegramChatID = *telegramChatID
		cfg.KafkaTopic = *kafkaTopic
		if *kafkaBrokers != "" {
			cfg.KafkaBrokers = strings.Split(*kafkaBrokers, ",")
		}
		cfg.APIAddr = *apiAddr
		cfg.LogLevel = *logLevel
		cfg.LogFile = *logFile
	}

	fromEnv(&cfg)
	return cfg, cfg.Validate()
}

func fromEnv(cfg *Config) {
	setIfEmpty := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	setIfEmpty(&cfg.WallexAPIKey, "WALLEX_API_KEY")
	setIfEmpty(&cfg.DBConnStr, "DB_CONN_STR")
	setIfEmpty(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	setIfEmpty(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID")
	if len(cfg.KafkaBrokers) == 0 {
		if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}
}

// ParseInstruments reads data:CLASS:SEC:tick:lot[:derivative] entries.
func ParseInstruments(s string) ([]Instrument, error) {
	var out []Instrument
	if s == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(entry, ":")
		if len(parts) != 5 && len(parts) != 6 {
			return nil, fmt.Errorf("invalid instrument %q", entry)
		}
		tick, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tick size in %q: %w", entry, err)
		}
		lot, err := strconv.ParseFloat(parts[4], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lot size in %q: %w", entry, err)
		}
		inst := Instrument{DataID: parts[0], ClassCode: parts[1], SecCode: parts[2], TickSize: tick, LotSize: lot}
		if len(parts) == 6 {
			inst.Derivative = parts[5] == "derivative"
		}
		out = append(out, inst)
	}
	return out, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeLive:
		if c.WallexAPIKey == "" {
			errs = append(errs, errors.New("live mode needs a Wallex API key"))
		}
	case ModePaper:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.StateBackend {
	case StateNone, StateFile, StatePebble:
	case StatePostgres:
		if c.DBConnStr == "" {
			errs = append(errs, errors.New("postgres state backend needs db_conn_str"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.StateBackend))
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.DataID == "" || inst.ClassCode == "" || inst.SecCode == "" {
			errs = append(errs, fmt.Errorf("instrument %+v needs data_id, class_code and sec_code", inst))
			continue
		}
		if seen[inst.DataID] {
			errs = append(errs, fmt.Errorf("duplicate instrument data id %q", inst.DataID))
		}
		seen[inst.DataID] = true
	}
	return errors.Join(errs...)
}
