//cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/unclebandit/email-scheduler/internal/app"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

type seedUser struct {
	Email string
	Name  string
}

// parseSeedUsers reads "email[:name]" entries separated by commas.
func parseSeedUsers(raw string) []seedUser {
	var out []seedUser
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		email, name, _ := strings.Cut(part, ":")
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		out = append(out, seedUser{Email: email, Name: strings.TrimSpace(name)})
	}
	return out
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	ctx := context.Background()

	deps, err := app.Bootstrap(ctx, app.ConfigPath(), true)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer deps.Close()

	dir := os.Getenv("SEED_DIR")
	if dir == "" {
		dir = "seed"
	}
	seedFiles, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		log.Fatalf("list seed files: %v", err)
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}
		if _, err := deps.DB.ExecContext(ctx, string(content)); err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		deps.Log.Info("seeded", logx.String("file", file))
	}

	for _, u := range parseSeedUsers(os.Getenv("SEED_USERS")) {
		user, err := deps.Users.Upsert(ctx, u.Email, u.Name)
		if err != nil {
			log.Fatalf("seed user %s: %v", u.Email, err)
		}
		deps.Log.Info("seeded user", logx.Int64("id", user.ID), logx.String("email", user.Email))
	}

	users, err := deps.Users.ListAll(ctx)
	if err != nil {
		log.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		fmt.Printf("%d\t%s\t%s\n", u.ID, u.Email, u.Name)
	}
	fmt.Println("Database seeding completed successfully!")
}
