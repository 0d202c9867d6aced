package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/stagerun/pkg/api"
)

// Workflow config, task results and transition metadata are declared as
// plain key/value data, so they are stored as JSON. That keeps the
// persisted layout readable by external audit tooling.

// encodeJSON serializes v, mapping nil to an empty payload. The callers
// hand over typed nils, so a bare v == nil check would never fire; each
// stored blob type is matched explicitly.
func encodeJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []api.TaskResult:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// decodeJSON deserializes data into a fresh T. Empty payloads decode to
// the zero value.
func decodeJSON[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}
