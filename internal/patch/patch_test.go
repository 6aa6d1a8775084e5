package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flavorsched/internal/model"
	"flavorsched/internal/store"
)

func TestApplyNoPatchFilePresent(t *testing.T) {
	taskList := filepath.Join(t.TempDir(), "tasks.toml")
	s := store.New(taskList)
	require.NoError(t, s.Load())

	present, err := Apply(s, taskList)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestApplyValidAndDeletesFile(t *testing.T) {
	taskList := filepath.Join(t.TempDir(), "tasks.toml")
	s := store.New(taskList)
	require.NoError(t, s.Load())

	patchContent := "[f1]\naction = \"SCHEDULE\"\n"
	require.NoError(t, os.WriteFile(Path(taskList), []byte(patchContent), 0644))

	present, err := Apply(s, taskList)
	require.NoError(t, err)
	assert.True(t, present)

	_, statErr := os.Stat(Path(taskList))
	assert.True(t, os.IsNotExist(statErr), "patch file must be deleted after processing")

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, model.StatusToBeRun, snap["f1"].Status)
}

func TestApplyInvalidEntryStillDeletesFile(t *testing.T) {
	taskList := filepath.Join(t.TempDir(), "tasks.toml")
	s := store.New(taskList)
	require.NoError(t, s.Load())

	// WITHDRAW is only valid from WAITING; f1 has no record yet (TOBERUN).
	patchContent := "[f1]\naction = \"WITHDRAW\"\n"
	require.NoError(t, os.WriteFile(Path(taskList), []byte(patchContent), 0644))

	present, err := Apply(s, taskList)
	require.NoError(t, err)
	assert.True(t, present)

	_, statErr := os.Stat(Path(taskList))
	assert.True(t, os.IsNotExist(statErr))
}
