package structset

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testStruct struct {
	ID     int64  `sql:"id"     sqlitetype:"integer not null primary key"`
	Name   string `sql:"name"   sqlitetype:"text"`
	Hidden string `sql:"-"`
	Plain  string
}

func TestGetStructFieldTagValues(t *testing.T) {
	values := GetStructFieldTagValues(testStruct{}, "sql")
	assert.Equal(t, []string{"id", "name", "Plain"}, values)
}

func TestGetStructFieldTagMap(t *testing.T) {
	tagMap := GetStructFieldTagMap(testStruct{}, "sql", "sqlitetype")
	assert.Equal(t, "integer not null primary key", tagMap["id"])
	assert.Equal(t, "text", tagMap["name"])
}

func TestCachedFieldIndexes(t *testing.T) {
	indexes := CachedFieldIndexes(reflect.TypeOf(testStruct{}))
	assert.Equal(t, 0, indexes["id"])
	assert.Equal(t, 1, indexes["name"])

	// Second call comes from cache and must agree
	assert.Equal(t, indexes, CachedFieldIndexes(reflect.TypeOf(testStruct{})))
}
