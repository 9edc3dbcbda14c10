// Package client talks to a running converge daemon. It checks the gRPC
// health service and fetches the HTTP readiness report; the status command
// is its only caller.
package client
