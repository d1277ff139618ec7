// internal/logging/otel.go
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// newDualCore creates the logging core. mcpkit ships only a stdout core;
// an embedder wanting its logs shipped to an OTEL collector wraps
// Logger.Underlying() with its own zapcore.Core rather than this package
// depending on a concrete exporter (see DESIGN.md, dropped otelzap bridge).
func newDualCore(cfg *Config) (zapcore.Core, error) {
	if !cfg.Output.Stdout {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	baseEncoder := newEncoder(cfg.Format)
	encoder, err := NewRedactingEncoder(baseEncoder, cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}
	dest := cfg.Output.Writer
	if dest == nil {
		dest = os.Stdout
	}
	writer := zapcore.AddSync(dest)
	core := zapcore.NewCore(encoder, writer, cfg.Level)

	return newSampledCore(core, cfg.Sampling), nil
}
