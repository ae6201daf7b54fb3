package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"Kestrel/internal/bls"
	"Kestrel/internal/types"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// RandKeyPath is the path to this validator's threshold key share,
	// dealt at cluster setup.
	RandKeyPath string

	// ClusterPath is the path to the cluster configuration file.
	ClusterPath string

	// Debug enables debug logging.
	Debug bool

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// Cluster is the loaded cluster configuration.
	Cluster *ClusterConfig
}

// ClusterConfig describes the validator set and protocol tuning shared by
// every node of the cluster.
type ClusterConfig struct {
	// Epoch is the epoch this cluster configuration serves.
	Epoch uint64

	// Validators lists the members in bitmap-index order.
	Validators []ValidatorEntry

	// RoundBase is the base round timeout.
	RoundBase time.Duration

	// RoundExponentBase is the per-step timeout growth factor.
	RoundExponentBase float64

	// RoundMaxExponent caps the timeout growth steps.
	RoundMaxExponent uint

	// FetchQueueSize bounds the local fetch request queue.
	FetchQueueSize int

	// MaxConcurrentFetches caps distinct network fetches in flight.
	MaxConcurrentFetches int

	// FetchRetryInterval is the fan-out widening interval.
	FetchRetryInterval time.Duration

	// FetchRPCTimeout bounds each fetch round-trip.
	FetchRPCTimeout time.Duration

	// MinResponders is how many peers a fetch contacts up front.
	MinResponders int

	// MaxResponders caps peers contacted per fetch at the same time.
	MaxResponders int

	// RandThreshold is the share weight required to aggregate randomness.
	// Zero means quorum weight of the validator set.
	RandThreshold uint64

	// RandPublicKey is the hex-encoded public polynomial of the
	// cluster's threshold signing key.
	RandPublicKey string
}

// ValidatorEntry is one validator in the cluster file. Order in the file
// defines the validator's index in signer bitmaps.
type ValidatorEntry struct {
	PubKey  string `mapstructure:"pubkey"`
	Weight  uint64 `mapstructure:"weight"`
	BLSKey  string `mapstructure:"bls_pubkey"`
	Address string `mapstructure:"address"`
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.RandKeyPath, "randkey", "./rand.key", "Threshold key share path (dealt at cluster setup)")
	flag.StringVar(&cfg.ClusterPath, "cluster", "./cluster.yaml", "Cluster configuration file")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	return cfg
}

// loadClusterConfig reads the cluster file. Keys can be overridden through
// KESTREL_-prefixed environment variables.
func loadClusterConfig(path string) (*ClusterConfig, error) {
	v := viper.New()

	v.SetEnvPrefix("kestrel")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)

	v.SetDefault("round.base_ms", 1000)
	v.SetDefault("round.exponent_base", 1.2)
	v.SetDefault("round.max_exponent", 6)
	v.SetDefault("fetch.queue_size", 16)
	v.SetDefault("fetch.max_concurrent", 4)
	v.SetDefault("fetch.retry_interval_ms", 500)
	v.SetDefault("fetch.rpc_timeout_ms", 5000)
	v.SetDefault("fetch.min_responders", 1)
	v.SetDefault("fetch.max_responders", 4)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read cluster file %s:\n%w", path, err)
	}

	cfg := &ClusterConfig{
		Epoch:                v.GetUint64("epoch"),
		RoundBase:            time.Duration(v.GetInt("round.base_ms")) * time.Millisecond,
		RoundExponentBase:    v.GetFloat64("round.exponent_base"),
		RoundMaxExponent:     uint(v.GetInt("round.max_exponent")),
		FetchQueueSize:       v.GetInt("fetch.queue_size"),
		MaxConcurrentFetches: v.GetInt("fetch.max_concurrent"),
		FetchRetryInterval:   time.Duration(v.GetInt("fetch.retry_interval_ms")) * time.Millisecond,
		FetchRPCTimeout:      time.Duration(v.GetInt("fetch.rpc_timeout_ms")) * time.Millisecond,
		MinResponders:        v.GetInt("fetch.min_responders"),
		MaxResponders:        v.GetInt("fetch.max_responders"),
		RandThreshold:        v.GetUint64("rand.threshold_weight"),
		RandPublicKey:        v.GetString("rand.ts_pubkey"),
	}

	if cfg.RandPublicKey == "" {
		return nil, fmt.Errorf("cluster file carries no rand.ts_pubkey")
	}

	if err := v.UnmarshalKey("validators", &cfg.Validators); err != nil {
		return nil, fmt.Errorf("decode validators:\n%w", err)
	}

	if len(cfg.Validators) == 0 {
		return nil, fmt.Errorf("cluster file names no validators")
	}

	return cfg, nil
}

// buildValidatorSet decodes the cluster entries into a weighted set.
func buildValidatorSet(cfg *ClusterConfig) (*types.ValidatorSet, error) {
	members := make([]types.ValidatorInfo, len(cfg.Validators))

	for i, entry := range cfg.Validators {
		pubKey, err := hex.DecodeString(entry.PubKey)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("validator %d: invalid pubkey %q", i, entry.PubKey)
		}

		blsKey, err := hex.DecodeString(entry.BLSKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: invalid bls_pubkey:\n%w", i, err)
		}

		members[i] = types.ValidatorInfo{
			Author:       types.AuthorFromBytes(pubKey),
			Weight:       entry.Weight,
			BLSPublicKey: blsKey,
			Address:      entry.Address,
		}
	}

	return types.NewValidatorSet(members)
}

// loadThresholdShare reads the validator's hex-encoded threshold key
// share. Unlike the ed25519 identity it cannot be generated here: shares
// come from the cluster's dealer.
func loadThresholdShare(path string) (*bls.ThresholdShare, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threshold key share:\n%w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode threshold key share:\n%w", err)
	}

	return bls.DecodeThresholdShare(raw)
}

// decodeThresholdPublic decodes the cluster file's threshold public key.
func decodeThresholdPublic(cfg *ClusterConfig) (*bls.ThresholdPublic, error) {
	raw, err := hex.DecodeString(cfg.RandPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode rand.ts_pubkey:\n%w", err)
	}

	return bls.DecodeThresholdPublic(raw, len(cfg.Validators))
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
