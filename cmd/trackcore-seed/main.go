// Command trackcore-seed loads development API keys into Redis, adapted
// from the teacher's scripts/seed_redis.go: same step-by-step console
// output, retargeted from the fleet:auth:{key}->fleet_id pattern to
// auth:key:{key}->owner_id, matching internal/store.Redis.GetAPIKey.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     getEnv("TRACKCORE_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("TRACKCORE_REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("connecting to redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("connection failed: %v\n\nmake sure redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("connected")

	stepAPIKeys(ctx, client)
	stepVerify(ctx, client)

	fmt.Println("\nredis seeded")
}

func stepAPIKeys(ctx context.Context, client *redis.Client) {
	fmt.Println("\n-- seeding api keys --")

	// auth:key:{api_key} -> owner_id, permanent (ttl 0), the second-level
	// lookup behind internal/authn.Authenticator's in-memory cache.
	apiKeys := map[string]string{
		"auth:key:dev_owner_one_key": "owner_one",
		"auth:key:dev_owner_two_key": "owner_two",
		"auth:key:test_key":          "test_owner",
	}

	for key, ownerID := range apiKeys {
		if err := client.Set(ctx, key, ownerID, 0).Err(); err != nil {
			log.Fatalf("failed to set key %s: %v", key, err)
		}
		fmt.Printf("  %-32s -> %s\n", key, ownerID)
	}
}

func stepVerify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n-- verification --")

	keys, err := client.Keys(ctx, "auth:key:*").Result()
	if err != nil {
		log.Fatalf("verification failed: %v", err)
	}
	fmt.Printf("  %d api keys found in redis\n", len(keys))

	val, err := client.Get(ctx, "auth:key:test_key").Result()
	if err != nil {
		log.Fatalf("spot check failed: %v", err)
	}
	fmt.Printf("  spot check: auth:key:test_key -> %s\n", val)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
