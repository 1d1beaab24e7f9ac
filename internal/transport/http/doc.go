// Package http contains the HTTP handlers for both surfaces of the
// licensing system: the hub server's license endpoints (status,
// activate, deactivate, refresh) and the activation ledger's wire API
// (bind, unbind, verify). Handlers own HTTP concerns only; all domain
// behavior lives in the services and ledger packages.
package http
