// Package structset implements helper functions that involves structs
package structset

import (
	"database/sql"
	"reflect"
	"strings"
	"sync"
)

var fieldIndexesCache sync.Map

// Get tag value of field. If tag value is "-", empty string will be returned
// If tag is empty, return name of field
func getTagValue(field reflect.StructField, tag string) string {
	if field.Tag.Get(tag) == "-" {
		return ""
	} else if field.Tag.Get(tag) == "" {
		return field.Name
	}

	return strings.Split(field.Tag.Get(tag), ",")[0]
}

// GetStructFieldTagValues returns all tag names in a given struct for a given tag
func GetStructFieldTagValues(Struct interface{}, tag string) []string {
	v := reflect.ValueOf(Struct)
	typeOfS := v.Type()

	var values []string

	for i := range v.NumField() {
		if value := getTagValue(typeOfS.Field(i), tag); value != "" {
			values = append(values, value)
		}
	}

	return values
}

// GetStructFieldTagMap returns a map of tags using keyTag as map key and valueTag as map value
func GetStructFieldTagMap(Struct interface{}, keyTag string, valueTag string) map[string]string {
	v := reflect.ValueOf(Struct)
	typeOfS := v.Type()

	fields := make(map[string]string)
	for i := range v.NumField() {
		fields[getTagValue(typeOfS.Field(i), keyTag)] = getTagValue(typeOfS.Field(i), valueTag)
	}

	return fields
}

// ScanRow is a cut-down version of the proposed Rows.ScanRow method. It
// currently only handles dest being a (pointer to) struct, and does not
// handle embedded fields. See https://github.com/golang/go/issues/61637
func ScanRow(rows *sql.Rows, columns []string, indexes map[string]int, dest any) error {
	var scanArgs []any

	for _, column := range columns {
		index, ok := indexes[column]
		if ok {
			field := reflect.ValueOf(dest).Elem().Field(index)
			scanArgs = append(scanArgs, field.Addr().Interface())
		}
	}

	return rows.Scan(scanArgs...)
}

// fieldIndexes returns a map of database column name to struct field index.
func fieldIndexes(structType reflect.Type) map[string]int {
	indexes := make(map[string]int)

	for i := range structType.NumField() {
		field := structType.Field(i)

		tag := field.Tag.Get("sql")
		if tag != "" {
			indexes[tag] = i
		} else {
			indexes[field.Name] = i
		}
	}

	return indexes
}

// CachedFieldIndexes is like fieldIndexes, but cached per struct type.
func CachedFieldIndexes(structType reflect.Type) map[string]int {
	if f, ok := fieldIndexesCache.Load(structType); ok {
		return f.(map[string]int)
	}

	indexes := fieldIndexes(structType)
	fieldIndexesCache.Store(structType, indexes)

	return indexes
}
