package lease_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"leasekit/lease"
)

func TestRenewalConfig_Validate_BoundaryValues(t *testing.T) {
	duration := 100 * time.Second

	cases := []struct {
		name    string
		cfg     lease.RenewalConfig
		wantErr bool
	}{
		{
			name: "threshold exactly 0.5 accepted",
			cfg: lease.RenewalConfig{
				Interval: 10 * time.Second, SafetyThreshold: 0.5,
				MaxRetries: 1, BaseBackoff: 1 * time.Second,
			},
			wantErr: false,
		},
		{
			name: "threshold 0.49 rejected",
			cfg: lease.RenewalConfig{
				Interval: 10 * time.Second, SafetyThreshold: 0.49,
				MaxRetries: 1, BaseBackoff: 1 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "threshold exactly 0.95 accepted",
			cfg: lease.RenewalConfig{
				Interval: 10 * time.Second, SafetyThreshold: 0.95,
				MaxRetries: 1, BaseBackoff: 1 * time.Second,
			},
			wantErr: false,
		},
		{
			name: "threshold 0.96 rejected",
			cfg: lease.RenewalConfig{
				Interval: 10 * time.Second, SafetyThreshold: 0.96,
				MaxRetries: 1, BaseBackoff: 1 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "interval >= duration rejected",
			cfg: lease.RenewalConfig{
				Interval: duration, SafetyThreshold: 0.9,
				MaxRetries: 1, BaseBackoff: 1 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "backoff too large rejected",
			cfg: lease.RenewalConfig{
				Interval: 10 * time.Second, SafetyThreshold: 0.9,
				MaxRetries: 1, BaseBackoff: 95 * time.Second,
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate(duration)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultRenewalConfig_IsValid(t *testing.T) {
	duration := 90 * time.Second
	cfg := lease.DefaultRenewalConfig(duration)
	assert.NoError(t, cfg.Validate(duration))
	assert.Equal(t, 2*duration/3, cfg.Interval)
}
