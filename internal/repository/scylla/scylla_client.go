package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"collection-otp-service/internal/config"
	"collection-otp-service/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and
// caches each statement on first use; queries are built per call so no
// bound query is shared between goroutines.
type Statements struct {
	InsertConfirmation string
	UpdateConfirmation string
	GetConfirmation    string
	ClaimPaymentOwner  string
	GetPaymentOwner    string
	ScanExpired        string
	DeleteConfirmation string
	DeletePaymentOwner string
}

const confirmationColumns = `tenant_id, retailer_id, payment_id, otp_id, code_hash, code_salt,
        pepper_version, hash_algorithm, created_at, expires_at, is_used, used_at,
        amount, issuer_name, resend_count, version, attempts, consecutive_failures,
        last_attempt_at, cooldown_until, breach_detected`

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements *Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        time.Second,
		NumRetries: 2,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: newStatements(),
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newStatements() *Statements {
	return &Statements{
		InsertConfirmation: `
        INSERT INTO confirmations (` + confirmationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        IF NOT EXISTS`,

		UpdateConfirmation: `
        UPDATE confirmations SET otp_id = ?, code_hash = ?, code_salt = ?, pepper_version = ?,
            hash_algorithm = ?, created_at = ?, expires_at = ?, is_used = ?, used_at = ?,
            amount = ?, issuer_name = ?, resend_count = ?, version = ?, attempts = ?,
            consecutive_failures = ?, last_attempt_at = ?, cooldown_until = ?, breach_detected = ?
        WHERE tenant_id = ? AND retailer_id = ? AND payment_id = ?
        IF version = ?`,

		GetConfirmation: `
        SELECT ` + confirmationColumns + `
        FROM confirmations WHERE tenant_id = ? AND retailer_id = ? AND payment_id = ?`,

		ClaimPaymentOwner: `
        INSERT INTO payment_owner (payment_id, tenant_id, retailer_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`,

		GetPaymentOwner: `
        SELECT tenant_id, retailer_id FROM payment_owner WHERE payment_id = ?`,

		ScanExpired: `
        SELECT tenant_id, retailer_id, payment_id FROM confirmations
        WHERE expires_at < ? ALLOW FILTERING`,

		DeleteConfirmation: `
        DELETE FROM confirmations WHERE tenant_id = ? AND retailer_id = ? AND payment_id = ?
        IF expires_at < ?`,

		DeletePaymentOwner: `
        DELETE FROM payment_owner WHERE payment_id = ?`,
	}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry is for idempotent, non-conditional writes only.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.WithContext(ctx).Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
				}
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
