package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "smb.READ")
	assert.False(t, span.SpanContext().IsValid())
	End(span, nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	_, span := p.StartSpan(context.Background(), "x")
	End(span, nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansRecorded(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewWithExporter(exp, nil, 1.0)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "smb.TREE_CONNECT", AttrShare.String(`\\fs1\data`))
	assert.True(t, span.SpanContext().IsValid())
	_, child := p.StartSpan(ctx, "dfs.resolve")
	End(child, errors.New("no referral"))
	End(span, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "dfs.resolve", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, "smb.TREE_CONNECT", spans[1].Name)
}

func TestNeverSample(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewWithExporter(exp, nil, 0)
	_, span := p.StartSpan(context.Background(), "dropped")
	End(span, nil)
	assert.Empty(t, exp.GetSpans())
}
