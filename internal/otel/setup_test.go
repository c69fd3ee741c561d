package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		version string
	}{
		{"enabled", true, "1.0.0"},
		{"enabled dev version", true, "dev"},
		{"disabled", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			shutdown, err := Setup(context.Background(), Config{
				ServiceName: "turnkeeper-test",
				Version:     tt.version,
				Enabled:     tt.enabled,
				Writer:      &buf,
			})
			require.NoError(t, err)
			require.NotNil(t, shutdown)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			assert.NoError(t, shutdown(ctx))
		})
	}
}

func TestSetup_SpansAreExportedToWriter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{ServiceName: "turnkeeper-test", Enabled: true, Writer: &buf})
	require.NoError(t, err)

	_, span := Tracer("github.com/voundbrand/vc83-com-sub003/internal/otel/test").Start(context.Background(), "turn.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.Contains(t, buf.String(), "turn.run")
}

func TestTracer_ReturnsNonNilTracer(t *testing.T) {
	assert.NotNil(t, Tracer("github.com/voundbrand/vc83-com-sub003/internal/agent"))
}
