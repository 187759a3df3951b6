package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/regstate/internal/flagx"
)

// JsonConfig mirrors Config for JSON unmarshalling. Pointer fields let a
// file override only the settings it mentions.
type JsonConfig struct {
	EndpointAddrGRPC     *string  `json:"endpoint_addr_grpc"`
	DatabaseDSN          *string  `json:"database_dsn"`
	ModelPath            *string  `json:"model_path"`
	ChunkSize            *int     `json:"chunk_size"`
	MaintenanceThreshold *float64 `json:"maintenance_threshold"`
	RelateConcurrency    *int     `json:"relate_concurrency"`
	ApplyConcurrency     *int     `json:"apply_concurrency"`
	ExportDir            *string  `json:"export_dir"`
	ArchiveExports       *bool    `json:"archive_exports"`
	S3RootUser           *string  `json:"s3_root_user"`
	S3RootPassword       *string  `json:"s3_root_password"`
	S3Bucket             *string  `json:"s3_bucket"`
	S3Region             *string  `json:"s3_region"`
	S3BaseEndpoint       *string  `json:"s3_base_endpoint"`
	LogLevel             *string  `json:"log_level"`
	OTLPEndpoint         *string  `json:"otlp_endpoint"`
}

// parseJson loads configuration values from the JSON file named by the -c
// or -config flag. Without the flag nothing is loaded. An unreadable file or
// invalid JSON panics, as configuration errors are fatal at startup.
func parseJson(config *Config) {
	path := flagx.ConfigPath(os.Args[1:])
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	set(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.ModelPath, c.ModelPath)
	set(&config.ChunkSize, c.ChunkSize)
	set(&config.MaintenanceThreshold, c.MaintenanceThreshold)
	set(&config.RelateConcurrency, c.RelateConcurrency)
	set(&config.ApplyConcurrency, c.ApplyConcurrency)
	set(&config.ExportDir, c.ExportDir)
	set(&config.ArchiveExports, c.ArchiveExports)
	set(&config.S3RootUser, c.S3RootUser)
	set(&config.S3RootPassword, c.S3RootPassword)
	set(&config.S3Bucket, c.S3Bucket)
	set(&config.S3Region, c.S3Region)
	set(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	set(&config.LogLevel, c.LogLevel)
	set(&config.OTLPEndpoint, c.OTLPEndpoint)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
