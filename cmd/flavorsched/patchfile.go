package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"flavorsched/internal/model"
)

// writePatchFile marshals patches as TOML and writes them beside the
// task list, for the producer loop to pick up on its next tick.
func writePatchFile(path string, patches map[string]model.PatchRecord) error {
	data, err := toml.Marshal(patches)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
