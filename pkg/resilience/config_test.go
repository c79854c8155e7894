package resilience

import (
	"testing"
	"time"
)

func TestDefaultResilientConfig(t *testing.T) {
	config := DefaultResilientConfig()

	if config.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", config.Timeout)
	}

	if config.CircuitBreakerConfig.MaxRequests != 1 {
		t.Errorf("Expected MaxRequests 1, got %d", config.CircuitBreakerConfig.MaxRequests)
	}

	if config.CircuitBreakerConfig.Timeout != 10*time.Second {
		t.Errorf("Expected CB timeout 10s, got %v", config.CircuitBreakerConfig.Timeout)
	}

	if config.CircuitBreakerConfig.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}

	if config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 4}) {
		t.Error("Should not trip with 4 failures")
	}

	if !config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 5}) {
		t.Error("Should trip with 5 failures")
	}
}

func TestFailureRatio(t *testing.T) {
	trip := FailureRatio(20, 0.15)

	tests := []struct {
		name   string
		counts Counts
		want   bool
	}{
		{"too few requests", Counts{Requests: 10, TotalFailures: 10}, false},
		{"below ratio", Counts{Requests: 100, TotalFailures: 10}, false},
		{"at ratio", Counts{Requests: 20, TotalFailures: 3}, true},
		{"above ratio", Counts{Requests: 40, TotalFailures: 20}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trip(tt.counts); got != tt.want {
				t.Errorf("FailureRatio(%+v) = %v, want %v", tt.counts, got, tt.want)
			}
		})
	}
}

func TestResilientConfig_WithTimeout(t *testing.T) {
	config := DefaultResilientConfig()
	newConfig := config.WithTimeout(2 * time.Second)

	if newConfig.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", newConfig.Timeout)
	}

	// Verify original is unchanged
	if config.Timeout != 5*time.Second {
		t.Errorf("Original config changed: got %v", config.Timeout)
	}
}

func TestResilientConfig_WithCircuitBreakerTimeout(t *testing.T) {
	config := DefaultResilientConfig()
	newConfig := config.WithCircuitBreakerTimeout(20 * time.Second)

	if newConfig.CircuitBreakerConfig.Timeout != 20*time.Second {
		t.Errorf("Expected CB timeout 20s, got %v", newConfig.CircuitBreakerConfig.Timeout)
	}

	// Verify original is unchanged
	if config.CircuitBreakerConfig.Timeout != 10*time.Second {
		t.Errorf("Original config changed: got %v", config.CircuitBreakerConfig.Timeout)
	}
}
