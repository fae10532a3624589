package scylla

var schema = []string{
	`CREATE TABLE IF NOT EXISTS confirmations (
        tenant_id text,
        retailer_id text,
        payment_id text,
        otp_id text,
        code_hash text,
        code_salt text,
        pepper_version int,
        hash_algorithm text,
        created_at timestamp,
        expires_at timestamp,
        is_used boolean,
        used_at timestamp,
        amount bigint,
        issuer_name text,
        resend_count int,
        version bigint,
        attempts int,
        consecutive_failures int,
        last_attempt_at timestamp,
        cooldown_until timestamp,
        breach_detected boolean,
        PRIMARY KEY ((tenant_id, retailer_id), payment_id)
    )`,
	`CREATE TABLE IF NOT EXISTS payment_owner (
        payment_id text PRIMARY KEY,
        tenant_id text,
        retailer_id text,
        created_at timestamp
    )`,
}
