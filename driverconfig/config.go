// Package driverconfig loads the resolution driver's environment-variable
// configuration, independent of the node's JSON config file.
package driverconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config holds everything the resolution driver needs to run a cycle.
type Config struct {
	RPCURL            string // JSON-RPC endpoint of the node submitting TxResolve
	ProgramID         string // chain ID the submitted transactions must target
	OracleKeypairPath string // path to the encrypted oracle keystore file
	CheckIntervalMS   int    // cycle period
	MaxRetries        int    // feed fetch attempts per market before skipping it
	RetryDelayMS      int    // sleep between feed fetch retries
	StalenessLimitS   int64  // max age, in seconds, of an accepted observation
	BirdeyeAPIKey     string // empty disables the Birdeye fallback provider
}

// Load reads the driver's configuration from the environment, applying the
// defaults from the resolution driver's configuration table.
func Load() (*Config, error) {
	checkIntervalMS, err := getInt("CHECK_INTERVAL_MS", 60000)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getInt("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	retryDelayMS, err := getInt("RETRY_DELAY_MS", 5000)
	if err != nil {
		return nil, err
	}
	stalenessLimitS, err := getInt("STALENESS_LIMIT_S", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCURL:            getEnv("RPC_URL", "http://127.0.0.1:8545"),
		ProgramID:         getEnv("PROGRAM_ID", ""),
		OracleKeypairPath: getEnv("ORACLE_KEYPAIR_PATH", ""),
		CheckIntervalMS:   checkIntervalMS,
		MaxRetries:        maxRetries,
		RetryDelayMS:      retryDelayMS,
		StalenessLimitS:   int64(stalenessLimitS),
		BirdeyeAPIKey:     getEnv("BIRDEYE_API_KEY", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("driverconfig: %w", err)
	}
	return cfg, nil
}

// Validate checks that every field required to run a cycle is present and
// well-formed, collecting all failures rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	if c.ProgramID == "" {
		errs = append(errs, errors.New("PROGRAM_ID must be set"))
	}
	if c.OracleKeypairPath == "" {
		errs = append(errs, errors.New("ORACLE_KEYPAIR_PATH must be set"))
	}
	if c.CheckIntervalMS <= 0 {
		errs = append(errs, errors.New("CHECK_INTERVAL_MS must be positive"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be positive"))
	}
	if c.RetryDelayMS < 0 {
		errs = append(errs, errors.New("RETRY_DELAY_MS must not be negative"))
	}
	if c.StalenessLimitS <= 0 {
		errs = append(errs, errors.New("STALENESS_LIMIT_S must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	return n, nil
}
