// Command hub-server runs the licensed application host: the license
// activation API, the entitlement-gated feature namespace, health
// endpoints, and the websocket status feed.
package main

import (
	"context"
	"log/slog"
	"os"

	"computehub/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		slog.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
