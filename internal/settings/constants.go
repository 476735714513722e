package settings

import "github.com/router-for-me/CreditMeter/internal/ratelimit"

// Process defaults shared by the CLI and server.
const (
	// AppName is used for the CLI name and log fields.
	AppName = "creditmeter"
	// ShutdownTimeoutSeconds bounds graceful HTTP shutdown.
	ShutdownTimeoutSeconds = 15
	// RedisHealthComponent names the Redis ledger in health output.
	RedisHealthComponent = "redis"
	// DatabaseHealthComponent names the SQL database in health output.
	DatabaseHealthComponent = "database"
	// MemoryHealthComponent names the in-process ledger in health output.
	MemoryHealthComponent = "memory"
)

// DefaultPolicies is used when neither the config file nor
// CREDITMETER_POLICIES defines any policy.
var DefaultPolicies = []ratelimit.PolicySpec{
	{Action: "create_conversation", Limit: 10, WindowSeconds: 3600},
	{Action: "ai_message", Limit: 20, WindowSeconds: 3600},
	{Action: "analytics_query", Limit: 30, WindowSeconds: 3600},
}
