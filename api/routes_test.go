package api

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
)

func TestEndpointWithParam(t *testing.T) {
	c := qt.New(t)

	id := uuid.New()
	statusURL := EndpointWithParam(TransferStatusEndpoint, QueueIDURLParam, id.String())
	c.Assert(statusURL, qt.Equals, "/transfer/"+id.String())

	// Unknown placeholders fall back to query parameters
	withQuery := EndpointWithParam(MetricsEndpoint, "window", "60s")
	c.Assert(withQuery, qt.Equals, "/metrics?window=60s")

	appended := EndpointWithParam(withQuery, "format", "json")
	c.Assert(appended, qt.Equals, "/metrics?window=60s&format=json")
}
