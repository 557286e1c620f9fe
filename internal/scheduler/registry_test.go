package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestRegistryPatterns(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, id := range []string{"aws/prod/ec2", "aws/dev/ec2", "gcp/prod/gce"} {
		require.NoError(t, r.Register(Registration{ID: id, Run: noop}))
	}
	assert.Equal(t, []string{"aws/dev/ec2", "aws/prod/ec2", "gcp/prod/gce"}, r.IDs())

	require.NoError(t, r.SetPatterns(`^aws/`, `/dev/`))
	assert.Equal(t, []string{"aws/prod/ec2"}, r.IDs())
	_, ok := r.Lookup("aws/dev/ec2")
	assert.False(t, ok)
	assert.Equal(t, 3, r.Len())

	assert.Error(t, r.SetPatterns(`(`, ""))
	assert.Equal(t, []string{"aws/prod/ec2"}, r.IDs(), "bad pattern keeps the previous filters")

	require.NoError(t, r.SetPatterns("", ""))
	assert.Len(t, r.IDs(), 3)

	r.Unregister("gcp/prod/gce")
	_, ok = r.Lookup("gcp/prod/gce")
	assert.False(t, ok)
}

func TestRegistryValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	assert.Error(t, r.Register(Registration{ID: " ", Run: noop}))
	assert.Error(t, r.Register(Registration{ID: "x"}))

	require.NoError(t, r.Register(Registration{ID: "x", Run: noop, Interval: Interval{Ideal: time.Minute, Min: time.Hour}}))
	reg, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, time.Minute, reg.Interval.Min, "min never exceeds ideal")
	assert.Equal(t, 2*time.Minute, reg.Interval.Timeout)
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindExecutionFailed, KindOf(&Error{Kind: KindExecutionFailed, Err: assert.AnError}))
	assert.Equal(t, ErrorKind(""), KindOf(assert.AnError))
	assert.Contains(t, (&Error{Kind: KindSubmissionRejected, ID: "a", Err: ErrRejected}).Error(), "submission_rejected a")
}
