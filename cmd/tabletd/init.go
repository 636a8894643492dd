package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"tabletraft/pkg/config"
	"tabletraft/pkg/consensus"
	"tabletraft/pkg/types"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
	return logger
}

// bootstrapConfig converts the configured peers to the initial replica set.
func bootstrapConfig(tablet config.TabletConfig) (consensus.RaftConfig, error) {
	cfg := consensus.RaftConfig{OpIDIndex: consensus.InvalidOpIDIndex}
	for _, p := range tablet.Peers {
		memberType := consensus.MemberType(p.MemberType)
		if memberType == "" {
			memberType = consensus.MemberVoter
		}
		cfg.Peers = append(cfg.Peers, consensus.RaftPeer{
			UUID:       types.NodeID(p.UUID),
			Address:    p.Address,
			MemberType: memberType,
		})
	}
	if err := cfg.Validate(true); err != nil {
		return consensus.RaftConfig{}, fmt.Errorf("tablet peers: %w", err)
	}
	return cfg, nil
}

// resolvePeerUUID returns the configured uuid, the one recorded in existing
// metadata, or a fresh one for a new replica.
func resolvePeerUUID(tablet config.TabletConfig, metaPath string) (types.NodeID, error) {
	if tablet.PeerUUID != "" {
		return types.NodeID(tablet.PeerUUID), nil
	}
	raw, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		var data consensus.MetadataData
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return "", fmt.Errorf("parse consensus metadata %s: %w", metaPath, err)
		}
		if data.PeerUUID == "" {
			return "", fmt.Errorf("consensus metadata %s has no peer uuid", metaPath)
		}
		return data.PeerUUID, nil
	case errors.Is(err, os.ErrNotExist):
		id := types.NodeID(uuid.NewString())
		slog.Warn("no peer uuid configured, generated a new one", "peer_uuid", id)
		return id, nil
	default:
		return "", err
	}
}

func storagePaths(cfg config.StorageConfig) (walDir, metaPath string) {
	return cfg.RootPath, filepath.Join(cfg.RootPath, cfg.MetaFile)
}
