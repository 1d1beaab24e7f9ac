// Package app assembles the hub server from its parts: configuration,
// structured logging, OpenTelemetry, the installation identity, the
// credential store, the activation manager with its background refresh
// loop, the websocket status hub, and the chi router with the full
// middleware chain. cmd/hub-server is a thin shell around this package.
package app
