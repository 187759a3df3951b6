package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/regstate/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-m string   model (schema registry) JSON file
//	-n int      chunk size
//	-t float    maintenance threshold (fraction of mutating events)
//	-j int      relate concurrency
//	-k int      apply concurrency
//	-x string   export directory
//	-z          archive exports to object storage
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-l string   log level
//	-o string   OTLP/HTTP trace endpoint
func parseFlags(config *Config) {
	specs := append(
		flagx.Valued("-a", "-d", "-m", "-n", "-t", "-j", "-k", "-x", "-u", "-p", "-b", "-g", "-e", "-l", "-o"),
		flagx.Switches("-z")...,
	)
	args := flagx.FilterArgs(os.Args[1:], specs...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.ModelPath, "m", config.ModelPath, "model file")
	fs.IntVar(&config.ChunkSize, "n", config.ChunkSize, "chunk size")
	fs.Float64Var(&config.MaintenanceThreshold, "t", config.MaintenanceThreshold, "maintenance threshold")
	fs.IntVar(&config.RelateConcurrency, "j", config.RelateConcurrency, "relate concurrency")
	fs.IntVar(&config.ApplyConcurrency, "k", config.ApplyConcurrency, "apply concurrency")
	fs.StringVar(&config.ExportDir, "x", config.ExportDir, "export directory")
	fs.BoolVar(&config.ArchiveExports, "z", config.ArchiveExports, "archive exports to S3")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.OTLPEndpoint, "o", config.OTLPEndpoint, "OTLP endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
