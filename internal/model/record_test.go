package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestEffectiveStatus(t *testing.T) {
	assert.Equal(t, StatusToBeRun, TaskRecord{}.EffectiveStatus())
	assert.Equal(t, StatusRunning, TaskRecord{Status: StatusRunning}.EffectiveStatus())
}

func TestCloneIsDeep(t *testing.T) {
	rec := TaskRecord{
		Status:  StatusFinished,
		History: []TaskRecord{{Status: StatusToBeRun, ReturnCode: 24}},
	}

	clone := rec.Clone()
	clone.History[0].ReturnCode = 99

	assert.Equal(t, 24, rec.History[0].ReturnCode, "mutating the clone must not affect the original")
	assert.Equal(t, 99, clone.History[0].ReturnCode)

	untouched := TaskRecord{
		Status:  StatusFinished,
		History: []TaskRecord{{Status: StatusToBeRun, ReturnCode: 24}},
	}
	if diff := cmp.Diff(untouched, rec); diff != "" {
		t.Errorf("original record mutated by Clone (-want +got):\n%s", diff)
	}
}

func TestSnapshotClearsHistory(t *testing.T) {
	rec := TaskRecord{
		Status:  StatusFinished,
		History: []TaskRecord{{Status: StatusToBeRun}},
	}

	snap := rec.Snapshot()

	assert.Nil(t, snap.History)
	assert.Equal(t, StatusFinished, snap.Status)
}
