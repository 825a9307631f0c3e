package rediskey

import "fmt"

// Rewards keys (global convention across services)
const (
	LeaderboardPrefix = "points:leaderboard"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLeaderboardKey returns "points:leaderboard:{count}"
func BuildLeaderboardKey(count int) string {
	return NamespaceKey(LeaderboardPrefix, fmt.Sprintf("top%d", count))
}
