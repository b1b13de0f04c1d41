package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Batch.HTTPConcurrency != 10 || c.Batch.BrowserConcurrency != 3 {
		t.Errorf("concurrency = %d/%d, want 10/3", c.Batch.HTTPConcurrency, c.Batch.BrowserConcurrency)
	}
	if c.Batch.MinRequestDelay != time.Second || c.Batch.MaxRequestDelay != 3*time.Second {
		t.Errorf("request delay = %s..%s", c.Batch.MinRequestDelay, c.Batch.MaxRequestDelay)
	}
	if c.Batch.ContentCacheTTL != 24*time.Hour || c.Batch.KeywordCacheTTL != 7*24*time.Hour {
		t.Errorf("cache ttl = %s/%s", c.Batch.ContentCacheTTL, c.Batch.KeywordCacheTTL)
	}
	if c.Engine.DefaultTimeout != time.Hour || c.Engine.DefaultMaxRetries != 3 {
		t.Errorf("engine defaults = %s/%d", c.Engine.DefaultTimeout, c.Engine.DefaultMaxRetries)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SEOFLOW_HTTP_CONCURRENCY", "5")
	t.Setenv("SEOFLOW_MIN_REQUEST_DELAY_MS", "0")
	t.Setenv("SEOFLOW_MAX_REQUEST_DELAY_MS", "250")
	t.Setenv("SEOFLOW_KEYWORD_CACHE_TTL_DAYS", "2")
	t.Setenv("SEOFLOW_DEFAULT_TASK_TIMEOUT_MS", "1500")
	t.Setenv("SEOFLOW_FETCH_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("SEOFLOW_TIMEZONE", "UTC")
	t.Setenv("SEOFLOW_ALERT_MAX_HEAP_MB", "256")
	t.Setenv("SEOFLOW_ALERT_MAX_GOROUTINES", "0")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Batch.HTTPConcurrency != 5 {
		t.Errorf("http concurrency = %d", c.Batch.HTTPConcurrency)
	}
	if c.Batch.MinRequestDelay != 0 || c.Batch.MaxRequestDelay != 250*time.Millisecond {
		t.Errorf("request delay = %s..%s", c.Batch.MinRequestDelay, c.Batch.MaxRequestDelay)
	}
	if c.Batch.KeywordCacheTTL != 48*time.Hour {
		t.Errorf("keyword ttl = %s", c.Batch.KeywordCacheTTL)
	}
	if c.Engine.DefaultTimeout != 1500*time.Millisecond {
		t.Errorf("timeout = %s", c.Engine.DefaultTimeout)
	}
	if c.Batch.FetchRetry.MaxAttempts != 5 {
		t.Errorf("fetch retry attempts = %d", c.Batch.FetchRetry.MaxAttempts)
	}
	if c.Location != time.UTC {
		t.Errorf("location = %v", c.Location)
	}
	if c.Alerts.MaxHeapMB != 256 || c.Alerts.MaxGoroutines != 0 {
		t.Errorf("system limits = %v/%d", c.Alerts.MaxHeapMB, c.Alerts.MaxGoroutines)
	}
}

func TestFromEnvReportsEveryBadValue(t *testing.T) {
	t.Setenv("SEOFLOW_TASK_WORKERS", "many")
	t.Setenv("SEOFLOW_TICK_INTERVAL", "soon")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"SEOFLOW_TASK_WORKERS", "SEOFLOW_TICK_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidateRejectsInvertedDelays(t *testing.T) {
	c := Default()
	c.Batch.MinRequestDelay = 2 * time.Second
	c.Batch.MaxRequestDelay = time.Second
	if err := c.Validate(); err == nil {
		t.Fatal("expected error")
	}
}
