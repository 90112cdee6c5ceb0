// Package postgres expects the following tables:
//
//	tasks    (id text primary key, owner_id text, mode text, policy text,
//	          status text, filters jsonb, total_units int, completed_units int,
//	          total_results int, discovery_calls int, enrichment_calls int,
//	          cache_hits int, credits_used numeric, progress int, logs jsonb,
//	          created_at timestamptz, completed_at timestamptz,
//	          error_message text, cancel_requested bool)
//	results  (task_id text, fingerprint text, record jsonb, from_cache bool,
//	          fetched_at timestamptz, position bigserial,
//	          unique (task_id, fingerprint))
//	balances (user_id text primary key, balance numeric)
//	freezes  (task_id text primary key, user_id text, amount numeric,
//	          created_at timestamptz)
package postgres
