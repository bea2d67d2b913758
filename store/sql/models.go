package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type ruleRecord struct {
	bun.BaseModel `bun:"table:relay_rate_limit_rules,alias:rlr"`

	ID            string    `bun:"id,pk"`
	Method        string    `bun:"method,notnull"`
	Path          string    `bun:"path,notnull"`
	Limit         int64     `bun:"limit_count,notnull"`
	WindowSeconds int64     `bun:"window_seconds,notnull"`
	Strategy      string    `bun:"strategy,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// counterRecord holds fixed-window counts and the per-key lock rows used by
// sliding windows. Times are unix milliseconds so that the atomic statements
// compare integers on every dialect.
type counterRecord struct {
	bun.BaseModel `bun:"table:relay_rate_limit_counters,alias:rlc"`

	Key         string `bun:"counter_key,pk"`
	Hits        int64  `bun:"hits,notnull"`
	ExpiresAtMs int64  `bun:"expires_at_ms,notnull"`
}

type slidingEntryRecord struct {
	bun.BaseModel `bun:"table:relay_rate_limit_entries,alias:rle"`

	Key    string `bun:"counter_key,pk"`
	Member string `bun:"member,pk"`
	AtMs   int64  `bun:"at_ms,notnull"`
}

type statsRecord struct {
	bun.BaseModel `bun:"table:relay_rate_limit_stats,alias:rls"`

	ID              string    `bun:"id,pk"`
	TotalRequests   int64     `bun:"total_requests,notnull"`
	BlockedRequests int64     `bun:"blocked_requests,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type endpointRecord struct {
	bun.BaseModel `bun:"table:relay_endpoints,alias:re"`

	ID        string    `bun:"id,pk"`
	URL       string    `bun:"url,notnull"`
	Secret    string    `bun:"secret,notnull"`
	Active    bool      `bun:"active,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type eventRecord struct {
	bun.BaseModel `bun:"table:relay_events,alias:rev"`

	ID         string    `bun:"id,pk"`
	EndpointID string    `bun:"endpoint_id,notnull"`
	EventType  string    `bun:"event_type,notnull"`
	Payload    string    `bun:"payload,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryRecord struct {
	bun.BaseModel `bun:"table:relay_deliveries,alias:rd"`

	ID             string     `bun:"id,pk"`
	EndpointID     string     `bun:"endpoint_id,notnull"`
	EventID        string     `bun:"event_id,notnull"`
	AttemptCount   int        `bun:"attempt_count,notnull"`
	MaxRetries     int        `bun:"max_retries,notnull"`
	Status         string     `bun:"status,notnull"`
	LastError      string     `bun:"last_error,notnull"`
	LastStatusCode int        `bun:"last_status_code,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	DeliveredAt    *time.Time `bun:"delivered_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type jobRecord struct {
	bun.BaseModel `bun:"table:relay_delivery_jobs,alias:rj"`

	DeliveryID     string    `bun:"delivery_id,pk"`
	EndpointID     string    `bun:"endpoint_id,notnull"`
	AvailableAtMs  int64     `bun:"available_at_ms,notnull"`
	ClaimedUntilMs int64     `bun:"claimed_until_ms,notnull"`
	Claims         int       `bun:"claims,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
