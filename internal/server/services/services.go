// Package services orchestrates the storage repositories into the
// operations exposed by the server: importing deliveries, replaying events,
// relating collections, maintaining views and exporting the log.
package services

import (
	"github.com/dmitrijs2005/regstate/internal/common"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/dmitrijs2005/regstate/internal/server/services")

func chunkSize(n int) int {
	if n <= 0 {
		return common.DefaultChunkSize
	}
	return n
}
