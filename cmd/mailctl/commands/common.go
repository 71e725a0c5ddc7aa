package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/unclebandit/email-scheduler/internal/app"
)

// openDeps connects to the database named by the config.
func openDeps(ctx context.Context, migrate bool) (*app.Deps, error) {
	_ = godotenv.Load()

	path := configPath
	if path == "" {
		path = app.ConfigPath()
	}
	deps, err := app.Bootstrap(ctx, path, migrate)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return deps, nil
}

func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
