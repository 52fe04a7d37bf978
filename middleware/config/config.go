// Package config loads and validates the JSON configuration of riddle
// binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/riddlenet/riddle/consensus/riddle"
	"github.com/riddlenet/riddle/crypto"
)

type Configurable interface {
	Check() error
}

func LoadConfig[T Configurable](path string) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %v", err)
	}
	defer file.Close()
	var config T
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("could not parse configuration file: %v", err)
	}
	if err := config.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Peer is a trusted peer the daemon dials on startup.
type Peer struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// NodeConfig is the daemon configuration file. Durations are milliseconds.
type NodeConfig struct {
	Address             string `json:"address"`
	AnnounceAddress     string `json:"announceAddress"`
	Folder              string `json:"folder"`
	KeyFile             string `json:"keyFile"`
	LogPath             string `json:"logPath"`
	KeepAlive           int    `json:"keepAlive"`
	DataGatherTime      int    `json:"dataGatherTime"`
	Thin                bool   `json:"thin"`
	ThinRetain          uint64 `json:"thinRetain"`
	RelationshipTime    int    `json:"relationshipTime"`
	RelationshipCount   int    `json:"relationshipCount"`
	RelationshipRetry   int    `json:"relationshipRetry"`
	NextCandidates      int    `json:"nextCandidates"`
	ForceRestart        bool   `json:"forceRestart"`
	Proxy               string `json:"proxy"`
	MaxFrameSize        int    `json:"maxFrameSize"`
	CallbackDeadline    int    `json:"callbackDeadline"`
	ExcludeSilentWinner bool   `json:"excludeSilentWinner"`
	TrustedPeers        []Peer `json:"trustedPeers"`
}

func (c NodeConfig) Check() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address not set", riddle.ErrConfig)
	}
	if c.Folder == "" {
		return fmt.Errorf("%w: folder not set", riddle.ErrConfig)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("%w: key file not set", riddle.ErrConfig)
	}
	for _, peer := range c.TrustedPeers {
		if peer.Address == "" {
			return fmt.Errorf("%w: trusted peer without address", riddle.ErrConfig)
		}
	}
	return c.PeerConfig(crypto.ZeroPrivateKey).Check()
}

// PeerConfig translates the file representation into the programmatic
// configuration, filling defaults for every numeric option left unset (zero).
// Boolean options are copied as written, so an absent excludeSilentWinner
// turns the exclusion off.
func (c NodeConfig) PeerConfig(credentials crypto.PrivateKey) riddle.Config {
	cfg := riddle.DefaultConfig()
	cfg.Addr = c.Address
	cfg.AnnounceAddr = c.AnnounceAddress
	cfg.Folder = c.Folder
	cfg.Credentials = credentials
	cfg.Thin = c.Thin
	cfg.ForceRestart = c.ForceRestart
	cfg.Proxy = c.Proxy
	cfg.ExcludeSilentWinner = c.ExcludeSilentWinner
	if c.KeepAlive > 0 {
		cfg.KeepAlive = time.Duration(c.KeepAlive) * time.Millisecond
	}
	if c.DataGatherTime > 0 {
		cfg.DataGatherTime = time.Duration(c.DataGatherTime) * time.Millisecond
	}
	if c.ThinRetain > 0 {
		cfg.ThinRetain = c.ThinRetain
	}
	if c.RelationshipTime > 0 {
		cfg.RelationshipTime = time.Duration(c.RelationshipTime) * time.Millisecond
	}
	if c.RelationshipCount > 0 {
		cfg.RelationshipCount = c.RelationshipCount
	}
	if c.RelationshipRetry > 0 {
		cfg.RelationshipRetry = c.RelationshipRetry
	}
	if c.NextCandidates > 0 {
		cfg.NextCandidates = c.NextCandidates
	}
	if c.MaxFrameSize > 0 {
		cfg.MaxFrameSize = c.MaxFrameSize
	}
	if c.CallbackDeadline > 0 {
		cfg.CallbackDeadline = time.Duration(c.CallbackDeadline) * time.Millisecond
	}
	return cfg
}
