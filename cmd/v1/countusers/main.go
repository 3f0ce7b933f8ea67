// Command countusers counts the distinct users currently sitting in rooms and
// publishes the figure to Redis for dashboards. Meant to run from cron.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const redisKey = "users:online:inrooms"

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	if databaseURL == "" || redisAddr == "" {
		slog.Error("DATABASE_URL and REDIS_ADDR must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		slog.Error("Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close(ctx) }()

	var count int64
	err = conn.QueryRow(ctx,
		`SELECT count(DISTINCT user_id) FROM rooms_users_association_table`).Scan(&count)
	if err != nil {
		slog.Error("Failed to count users in rooms", "error", err)
		os.Exit(1)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer func() { _ = client.Close() }()

	if err := client.Set(ctx, redisKey, count, 0).Err(); err != nil {
		slog.Error("Failed to write user count to Redis", "error", err)
		os.Exit(1)
	}

	slog.Info("Published user count", "key", redisKey, "count", count)
}
