package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init("larder-test", &buf)
	require.NoError(t, err)

	_, span := Tracer("test").Start(context.Background(), "unit.span")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.True(t, strings.Contains(buf.String(), "unit.span"), "span not exported: %s", buf.String())
}
