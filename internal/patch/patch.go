// Package patch implements the Patch Intake: the one-shot drop-file
// control plane an operator uses to schedule or withdraw tasks in a
// running scheduler without any RPC surface.
package patch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"flavorsched/internal/logging"
	"flavorsched/internal/model"
	"flavorsched/internal/store"
)

// Path returns the patch file path for a given task list path.
func Path(taskListPath string) string {
	return taskListPath + ".patch"
}

// Apply loads the patch file beside taskListPath (if any), applies every
// entry to the store, and deletes the file unconditionally. Validation
// failures are logged and skipped; they do not stop other entries or
// prevent deletion. It reports whether a patch file was present.
func Apply(s *store.Store, taskListPath string) (bool, error) {
	path := Path(taskListPath)
	log := logging.Get(logging.CategoryPatch)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read patch file: %w", err)
	}

	var patches map[string]model.PatchRecord
	if err := toml.Unmarshal(data, &patches); err != nil {
		log.Warn("discarding unparsable patch file: %v", err)
		patches = nil
	}

	for flavor, p := range patches {
		if err := s.ApplyPatch(flavor, p); err != nil {
			log.Warn("patch for %s rejected: %v", flavor, err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove patch file: %w", err)
	}
	return true, nil
}
