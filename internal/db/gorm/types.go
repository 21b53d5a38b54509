// Package gorm provides GORM-based persistence for gamegen.
package gorm

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/thebtf/gamegen/pkg/models"
)

// JSONStringArray is a []string stored as a JSON text column.
type JSONStringArray []string

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	return string(data), err
}

// JSONFiles is a list of generated files stored as a JSON text column.
type JSONFiles []models.GeneratedFile

// Scan implements sql.Scanner.
func (f *JSONFiles) Scan(value interface{}) error {
	return scanJSON(value, f)
}

// Value implements driver.Valuer.
func (f JSONFiles) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]models.GeneratedFile(f))
	return string(data), err
}

func scanJSON(value interface{}, dest interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
