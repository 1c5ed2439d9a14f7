// Package api exposes the REST surface for wallet custody, policy
// management, agent decisioning, transaction execution and audit queries.
package api
