package platform

import (
	"encoding/json"
	"fmt"
	"os"
)

// RestoredEnvKey carries the outcome of RestrictExec into the restarted
// program.
const RestoredEnvKey = "_PULLBOX_SANDBOX"

// Restored is what a program restarted by RestrictExec learns about the
// restriction it runs under.
type Restored struct {
	// Carry is the opaque state passed to RestrictExec.
	Carry []byte `json:"carry"`

	// Result reports what the helper enforced.
	Result RestrictResult `json:"result"`
}

// TakeRestored returns the state left by RestrictExec and removes it from
// the environment, so commands started later do not inherit it. It
// returns nil if the process was not restarted under a ruleset.
func TakeRestored() (*Restored, error) {
	raw, ok := os.LookupEnv(RestoredEnvKey)
	if !ok {
		return nil, nil
	}
	_ = os.Unsetenv(RestoredEnvKey)

	var r Restored
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", RestoredEnvKey, err)
	}
	return &r, nil
}
