package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flavorsched/internal/model"
)

func TestRecordAttemptAndCount(t *testing.T) {
	trail, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer trail.Close()

	trail.RecordAttempt(model.AuditEntry{
		AttemptID:  "attempt-1",
		Flavor:     "f1",
		Seq:        1,
		ReturnCode: 0,
		StatusCode: "test_passed",
		RetryClass: "none",
	})
	trail.RecordAttempt(model.AuditEntry{
		AttemptID:  "attempt-2",
		Flavor:     "f1",
		Seq:        2,
		ReturnCode: 24,
		StatusCode: "flavor_azone_occupied",
		RetryClass: "resource",
		Zone:       "cn-a-a",
		Sandbox:    "ac0",
	})

	n, err := trail.CountByFlavor("f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = trail.CountByFlavor("f2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hist, err := trail.History("f1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Seq)
	assert.Equal(t, "none", hist[0].RetryClass)
	assert.Equal(t, 2, hist[1].Seq)
	assert.Equal(t, 24, hist[1].ReturnCode)
	assert.Equal(t, "resource", hist[1].RetryClass)
	assert.Equal(t, "cn-a-a", hist[1].Zone)
	assert.Equal(t, "ac0", hist[1].Sandbox)
}

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	trail1, err := Open(path)
	require.NoError(t, err)
	trail1.Close()

	trail2, err := Open(path)
	require.NoError(t, err)
	defer trail2.Close()

	n, err := trail2.CountByFlavor("anything")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
