// Package config loads and validates the daemon configuration. Values come
// from an optional YAML file, then DFS_-prefixed environment variables
// override individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	NameNode NameNodeConfig `yaml:"namenode"`
	DataNode DataNodeConfig `yaml:"datanode"`
	DFS      DFSConfig      `yaml:"dfs"`
}

type NameNodeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// MetadataPath is the SQLite database file. Ignored when MetadataTable
	// is set, which switches the store to DynamoDB.
	MetadataPath  string `yaml:"metadata_path"`
	MetadataTable string `yaml:"metadata_table"`
	AWSRegion     string `yaml:"aws_region"`
}

type DataNodeConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	DataDir       string `yaml:"data_dir"`
	CapacityBytes int64  `yaml:"capacity_bytes"`
	NameNodeAddr  string `yaml:"namenode_addr"`
}

type DFSConfig struct {
	ChunkSize          int64         `yaml:"chunk_size"`
	BlockSize          int64         `yaml:"block_size"`
	ReplicationFactor  int           `yaml:"replication_factor"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	RepairInterval     time.Duration `yaml:"repair_interval"`
	UtilizationCeiling float64       `yaml:"utilization_ceiling"`
}

func Default() *Config {
	return &Config{
		NameNode: NameNodeConfig{
			ListenAddr:   ":9400",
			MetadataPath: "data/namenode/metadata.db",
			AWSRegion:    "us-east-1",
		},
		DataNode: DataNodeConfig{
			ListenAddr:    ":9401",
			AdvertiseAddr: "http://localhost:9401",
			DataDir:       "data/datanode",
			CapacityBytes: 1 << 30, // 1GB
			NameNodeAddr:  "http://localhost:9400",
		},
		DFS: DFSConfig{
			ChunkSize:          64 << 20, // 64MB
			BlockSize:          128 << 20,
			ReplicationFactor:  3,
			HeartbeatInterval:  30 * time.Second,
			RepairInterval:     30 * time.Second,
			UtilizationCeiling: 0.95,
		},
	}
}

// Load reads path (when non-empty), applies env overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NameNode.ListenAddr = getEnv("DFS_NAMENODE_LISTEN_ADDR", c.NameNode.ListenAddr)
	c.NameNode.MetadataPath = getEnv("DFS_NAMENODE_METADATA_PATH", c.NameNode.MetadataPath)
	c.NameNode.MetadataTable = getEnv("DFS_NAMENODE_METADATA_TABLE", c.NameNode.MetadataTable)
	c.NameNode.AWSRegion = getEnv("DFS_AWS_REGION", c.NameNode.AWSRegion)

	c.DataNode.ListenAddr = getEnv("DFS_DATANODE_LISTEN_ADDR", c.DataNode.ListenAddr)
	c.DataNode.AdvertiseAddr = getEnv("DFS_DATANODE_ADVERTISE_ADDR", c.DataNode.AdvertiseAddr)
	c.DataNode.DataDir = getEnv("DFS_DATANODE_DATA_DIR", c.DataNode.DataDir)
	c.DataNode.CapacityBytes = getEnvInt64("DFS_DATANODE_CAPACITY_BYTES", c.DataNode.CapacityBytes)
	c.DataNode.NameNodeAddr = getEnv("DFS_NAMENODE_ADDR", c.DataNode.NameNodeAddr)

	c.DFS.ChunkSize = getEnvInt64("DFS_CHUNK_SIZE", c.DFS.ChunkSize)
	c.DFS.ReplicationFactor = getEnvInt("DFS_REPLICATION_FACTOR", c.DFS.ReplicationFactor)
	c.DFS.HeartbeatInterval = getEnvDuration("DFS_HEARTBEAT_INTERVAL", c.DFS.HeartbeatInterval)
	c.DFS.RepairInterval = getEnvDuration("DFS_REPAIR_INTERVAL", c.DFS.RepairInterval)
}

func (c *Config) Validate() error {
	if c.DFS.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", c.DFS.ChunkSize)
	}
	if c.DFS.BlockSize < c.DFS.ChunkSize {
		return fmt.Errorf("block size %d smaller than chunk size %d", c.DFS.BlockSize, c.DFS.ChunkSize)
	}
	if c.DFS.ReplicationFactor < 1 {
		return fmt.Errorf("invalid replication factor: %d", c.DFS.ReplicationFactor)
	}
	if c.DFS.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval: %s", c.DFS.HeartbeatInterval)
	}
	if c.DFS.UtilizationCeiling <= 0 || c.DFS.UtilizationCeiling > 1 {
		return fmt.Errorf("utilization ceiling must be in (0, 1]: %f", c.DFS.UtilizationCeiling)
	}
	if c.DataNode.CapacityBytes <= 0 {
		return fmt.Errorf("invalid datanode capacity: %d", c.DataNode.CapacityBytes)
	}
	if c.NameNode.MetadataPath == "" && c.NameNode.MetadataTable == "" {
		return fmt.Errorf("either metadata_path or metadata_table is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
