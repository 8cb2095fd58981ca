// Package influx provides time-series metrics for the withdrawal relay:
// job lifecycle transitions, submission latency, claim supply and
// difficulty history.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Job metrics

// WriteJobTransition records a job status change.
func (c *Client) WriteJobTransition(jobID, fromStatus, toStatus, errorType string) {
	tags := map[string]string{
		"from": fromStatus,
		"to":   toStatus,
	}
	if errorType != "" {
		tags["error_type"] = errorType
	}

	fields := map[string]interface{}{
		"job_id": jobID,
		"count":  int64(1),
	}

	point := influxdb2.NewPoint("job_transitions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSubmission records a transaction submission and its confirmation
// latency once known.
func (c *Client) WriteSubmission(jobID, signature string, confirmed bool, latency time.Duration) {
	tags := map[string]string{
		"confirmed": fmt.Sprintf("%t", confirmed),
	}

	fields := map[string]interface{}{
		"job_id":     jobID,
		"signature":  signature,
		"latency_ms": latency.Milliseconds(),
	}

	point := influxdb2.NewPoint("submissions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteClaimSupply records the revealed-claim supply seen by the finder.
func (c *Client) WriteClaimSupply(total, usable int64) {
	fields := map[string]interface{}{
		"total":  total,
		"usable": usable,
	}

	point := influxdb2.NewPoint("claim_supply", nil, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteDifficulty records the registry's current difficulty and observed
// solution rate.
func (c *Client) WriteDifficulty(difficultyBits float64, solutionsObserved int64) {
	fields := map[string]interface{}{
		"difficulty_bits":    difficultyBits,
		"solutions_observed": solutionsObserved,
	}

	point := influxdb2.NewPoint("difficulty", nil, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteQueueDepth records pending and leased queue depths.
func (c *Client) WriteQueueDepth(pending, leased int64) {
	fields := map[string]interface{}{
		"pending": pending,
		"leased":  leased,
	}

	point := influxdb2.NewPoint("queue_depth", nil, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteWorkerPool records worker pool utilization.
func (c *Client) WriteWorkerPool(active, capacity int64) {
	fields := map[string]interface{}{
		"active":   active,
		"capacity": capacity,
	}

	point := influxdb2.NewPoint("worker_pool", nil, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Flush forces pending writes to be sent
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
