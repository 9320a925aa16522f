package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingNoneAndSpan(t *testing.T) {
	shutdown, err := InitTracing("test", "none")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, span := StartSpan(context.Background(), "unit")
	assert.NotNil(t, ctx)
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestBuildExporterRejectsUnknown(t *testing.T) {
	_, err := buildExporter("zipkin")
	assert.Error(t, err)

	exp, err := buildExporter("stdout")
	require.NoError(t, err)
	assert.NoError(t, exp.Shutdown(context.Background()))
}
