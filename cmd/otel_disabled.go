//go:build !otel

package cmd

import (
	"context"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// initOTelExporter is a no-op in the default build. Build with -tags otel to
// enable OTLP trace export.
func initOTelExporter(_ context.Context, _ *config.Config) func() {
	return func() {}
}
