package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/xhit/go-str2duration/v2"
	"go.uber.org/multierr"
)

type Network struct {
	Listen     string
	Bootstrap  []string // full multiaddrs including /p2p/<id>
	EnableMDNS bool

	// CallTimeout bounds every outbound lookup+call. Keep it above
	// AnnounceInterval+LookupWait so a fresh node's first lookup completes
	// and an empty lookup reads as "no responders".
	CallTimeout      time.Duration
	AnnounceInterval time.Duration
	AnnounceTTL      time.Duration
	LookupWait       time.Duration
}

type Node struct {
	VisibilityInterval time.Duration
	VisibilityAttempts int
	// LockLeaseTTL expires advisory locks left by peers that died mid-join.
	// Zero keeps them until an explicit unlock.
	LockLeaseTTL  time.Duration
	ShutdownGrace time.Duration
}

type Trading struct {
	Enabled          bool
	MinDelay         time.Duration
	MaxDelay         time.Duration
	LockPollInterval time.Duration
	BasePrice        decimal.Decimal
	PriceRange       decimal.Decimal
}

type Config struct {
	Network Network
	Node    Node
	Trading Trading

	APIAddr     string
	JournalPath string // empty disables the journal
	LogFile     string // empty logs to stdout only
	LogLevel    string
}

func Default() Config {
	return Config{
		Network: Network{
			Listen:           "/ip4/0.0.0.0/tcp/0",
			CallTimeout:      5 * time.Second,
			AnnounceInterval: 2 * time.Second,
			AnnounceTTL:      10 * time.Second,
			LookupWait:       2 * time.Second,
		},
		Node: Node{
			VisibilityInterval: 2 * time.Second,
			VisibilityAttempts: 100,
			ShutdownGrace:      2 * time.Second,
		},
		Trading: Trading{
			Enabled:          true,
			MinDelay:         1 * time.Second,
			MaxDelay:         10 * time.Second,
			LockPollInterval: 100 * time.Millisecond,
			BasePrice:        decimal.NewFromInt(10000),
			PriceRange:       decimal.NewFromInt(100),
		},
		APIAddr:     ":8080",
		JournalPath: "data/journal",
		LogFile:     "data/node.log",
		LogLevel:    "info",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
//
// Durations accept Go syntax plus days and weeks ("1d12h"). Every malformed
// value is reported; the returned Config keeps defaults for those keys.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var errs error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := str2duration.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dec := func(key string, dst *decimal.Decimal) {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &cfg.Network.Listen)
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Network.Bootstrap = SplitList(v)
	}
	boolean("ENABLE_MDNS", &cfg.Network.EnableMDNS)
	dur("CALL_TIMEOUT", &cfg.Network.CallTimeout)
	dur("ANNOUNCE_INTERVAL", &cfg.Network.AnnounceInterval)
	dur("ANNOUNCE_TTL", &cfg.Network.AnnounceTTL)
	dur("LOOKUP_WAIT", &cfg.Network.LookupWait)

	dur("VISIBILITY_INTERVAL", &cfg.Node.VisibilityInterval)
	integer("VISIBILITY_ATTEMPTS", &cfg.Node.VisibilityAttempts)
	dur("LOCK_LEASE_TTL", &cfg.Node.LockLeaseTTL)
	dur("SHUTDOWN_GRACE", &cfg.Node.ShutdownGrace)

	boolean("TRADING_ENABLED", &cfg.Trading.Enabled)
	dur("TRADE_MIN_DELAY", &cfg.Trading.MinDelay)
	dur("TRADE_MAX_DELAY", &cfg.Trading.MaxDelay)
	dur("LOCK_POLL_INTERVAL", &cfg.Trading.LockPollInterval)
	dec("TRADE_BASE_PRICE", &cfg.Trading.BasePrice)
	dec("TRADE_PRICE_RANGE", &cfg.Trading.PriceRange)

	str("API_ADDR", &cfg.APIAddr)
	str("JOURNAL_PATH", &cfg.JournalPath)
	str("LOG_FILE", &cfg.LogFile)
	str("LOG_LEVEL", &cfg.LogLevel)

	return cfg, multierr.Append(errs, cfg.Validate())
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs error
	if c.Node.VisibilityAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("VISIBILITY_ATTEMPTS must be at least 1, got %d", c.Node.VisibilityAttempts))
	}
	if c.Trading.MaxDelay < c.Trading.MinDelay {
		errs = multierr.Append(errs, fmt.Errorf("TRADE_MAX_DELAY %v below TRADE_MIN_DELAY %v", c.Trading.MaxDelay, c.Trading.MinDelay))
	}
	nw := c.Network
	if nw.AnnounceInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("ANNOUNCE_INTERVAL must be positive, got %v", nw.AnnounceInterval))
	}
	// zero TTL keeps providers until they withdraw
	if nw.AnnounceTTL != 0 && nw.AnnounceTTL <= nw.AnnounceInterval {
		errs = multierr.Append(errs, fmt.Errorf("ANNOUNCE_TTL %v must exceed ANNOUNCE_INTERVAL %v", nw.AnnounceTTL, nw.AnnounceInterval))
	}
	// a fresh node holds lookups for one announce round plus LOOKUP_WAIT
	if nw.CallTimeout > 0 && nw.CallTimeout <= nw.AnnounceInterval+nw.LookupWait {
		errs = multierr.Append(errs, fmt.Errorf("CALL_TIMEOUT %v must exceed ANNOUNCE_INTERVAL+LOOKUP_WAIT %v",
			nw.CallTimeout, nw.AnnounceInterval+nw.LookupWait))
	}
	return errs
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
