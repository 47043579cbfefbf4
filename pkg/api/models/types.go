package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

// FloatMap stores a GPU type to float mapping as a JSON encoded TEXT column.
// Ref: https://husobee.github.io/golang/database/2015/06/12/scanner-valuer.html
type FloatMap map[string]float64

// Value implements Valuer interface.
func (m FloatMap) Value() (driver.Value, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(encoded)), nil
}

// Scan implements Scanner interface.
func (m *FloatMap) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	var d *json.Decoder

	switch data := v.(type) {
	case string:
		d = json.NewDecoder(bytes.NewReader([]byte(data)))
	case []byte:
		d = json.NewDecoder(bytes.NewReader(data))
	default:
		return fmt.Errorf("cannot scan type %t into FloatMap", v)
	}

	var tmp map[string]float64
	if err := d.Decode(&tmp); err != nil {
		return err
	}

	*m = tmp

	return nil
}

// Equals compares two maps key by key.
func (m FloatMap) Equals(other FloatMap) bool {
	if len(m) != len(other) {
		return false
	}

	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

// JSONFloat is a custom float64 that treats NaN as an undefined value during
// JSON and SQL round trips. Undefined values are serialized as JSON null and
// stored as SQL NULL, so that NaN never hits equality based comparisons in
// the database.
type JSONFloat float64

// IsNaN returns true when the value is undefined.
func (j JSONFloat) IsNaN() bool {
	return math.IsNaN(float64(j))
}

// MarshalJSON marshals JSONFloat into byte array.
func (j JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(j)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return []byte("null"), nil
	}

	return json.Marshal(v)
}

// UnmarshalJSON unmarshals byte array into JSONFloat.
func (j *JSONFloat) UnmarshalJSON(v []byte) error {
	s := string(v)
	if s == "null" || s == "NaN" || s == "+Inf" || s == "-Inf" {
		switch s {
		case "+Inf":
			*j = JSONFloat(math.Inf(1))
		case "-Inf":
			*j = JSONFloat(math.Inf(-1))
		default:
			*j = JSONFloat(math.NaN())
		}

		return nil
	}

	var fv float64
	if err := json.Unmarshal(v, &fv); err != nil {
		return err
	}

	*j = JSONFloat(fv)

	return nil
}

// Value implements Valuer interface.
func (j JSONFloat) Value() (driver.Value, error) {
	v := float64(j)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, nil //nolint:nilnil
	}

	return v, nil
}

// Scan implements Scanner interface.
func (j *JSONFloat) Scan(v interface{}) error {
	if v == nil {
		*j = JSONFloat(math.NaN())

		return nil
	}

	switch data := v.(type) {
	case float64:
		*j = JSONFloat(data)
	case int64:
		*j = JSONFloat(data)
	default:
		return fmt.Errorf("cannot scan type %t into JSONFloat", v)
	}

	return nil
}
