package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Transfer endpoints
	QueueIDURLParam        = "queueId"                                       // URL parameter for queue ID
	TransferEndpoint       = "/transfer"                                     // POST: Enqueue a transfer
	TransferStatusEndpoint = TransferEndpoint + "/{" + QueueIDURLParam + "}" // GET: Check transfer status
	BulkTransferEndpoint   = "/bulk-transfer"                                // POST: Enqueue up to 1000 transfers
	DirectTransferEndpoint = "/direct-transfer"                              // POST: Execute a transfer synchronously

	// Observability endpoints
	HealthEndpoint       = "/health"        // GET: Liveness and chain probe status
	MetricsEndpoint      = "/metrics"       // GET: Full metrics snapshot
	StatusEndpoint       = "/status"        // GET: Lifecycle, queue depth and totals
	BountyStatusEndpoint = "/bounty-status" // GET: Sustained-throughput verdict
)

// MaxBulkTransfers caps the number of items accepted in one bulk request.
const MaxBulkTransfers = 1000

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	// Always try to replace the placeholder, even if it's after the '?'
	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	HealthEndpoint,
	MetricsEndpoint,
}
