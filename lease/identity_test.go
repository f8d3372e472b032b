package lease_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"leasekit/lease"
)

func TestNormalizeResourceName_LowersAndDashes(t *testing.T) {
	assert.Equal(t, "my-shared-resource", lease.NormalizeResourceName("  My  Shared   Resource "))
	assert.Equal(t, "res-a", lease.NormalizeResourceName("res-a"))
}

func TestDefaultOwnerTag_NonEmptyAndUniquePerCall(t *testing.T) {
	a := lease.DefaultOwnerTag()
	b := lease.DefaultOwnerTag()
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b, "owner tags include a random suffix per call")
}

func TestForeverSentinel(t *testing.T) {
	assert.True(t, lease.IsForever(lease.Forever))
	assert.False(t, lease.IsForever(lease.Forever.Add(-1)))
}
