package livequery

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// decodeAll turns untyped documents into validated records. One bad
// document fails the whole snapshot.
func decodeAll[T any](docs []json.RawMessage) ([]T, error) {
	records := make([]T, 0, len(docs))
	for i, doc := range docs {
		var record T
		if err := json.Unmarshal(doc, &record); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		if err := validate.Struct(record); err != nil {
			return nil, fmt.Errorf("validate record %d: %w", i, err)
		}
		records = append(records, record)
	}
	return records, nil
}
