package repositories

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// jsonColumn marshals a value for storage in a TEXT column. A nil map/slice
// marshals to an explicit empty object/array rather than the literal
// "null", so readers never have to special-case decode failures.
func jsonColumn(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return "{}", nil
		}
	case reflect.Slice:
		if rv.IsNil() {
			return "[]", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanJSON[T any](raw sql.NullString, out *T) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), out)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

const csvSep = "\x1f"

// joinPlaceholders joins "?" placeholders for a variadic IN (...) clause.
func joinPlaceholders(placeholders []string) string {
	return strings.Join(placeholders, ", ")
}
