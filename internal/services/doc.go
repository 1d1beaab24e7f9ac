// Package services is the business layer between the HTTP transport
// and the license manager. Handlers stay thin: services own operation
// logging, activity counters and the health/readiness checks, while
// entitlement decisions remain in internal/license.
package services
