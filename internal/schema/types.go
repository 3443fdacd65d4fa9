// Package schema holds the column type lattice and the pluggable strategies the
// file transformer uses to infer column types and clean column names.
package schema

import (
	"strings"
)

// ColumnType is the semantic type inferred for a column.
//
// Types form a lattice: UNKNOWN sits below everything, INTEGER widens to FLOAT,
// DATE widens to TIMESTAMP, and every type widens to STRING. Incompatible
// branches (e.g. BOOLEAN and DATE) meet at STRING.
type ColumnType string

const (
	// TypeUnknown is the estimate for a column that has only seen empty cells.
	TypeUnknown ColumnType = "UNKNOWN"
	TypeBoolean ColumnType = "BOOLEAN"
	TypeInteger ColumnType = "INTEGER"
	TypeFloat   ColumnType = "FLOAT"
	TypeDate    ColumnType = "DATE"
	// TypeTimestamp carries a time-of-day component; stored as epoch milliseconds.
	TypeTimestamp ColumnType = "TIMESTAMP"
	// TypeString is the top of the lattice.
	TypeString ColumnType = "STRING"
)

// ValidColumnTypes returns every member of the lattice.
func ValidColumnTypes() []ColumnType {
	return []ColumnType{
		TypeUnknown,
		TypeBoolean,
		TypeInteger,
		TypeFloat,
		TypeDate,
		TypeTimestamp,
		TypeString,
	}
}

// IsValid checks if the ColumnType is a member of the lattice.
func (t ColumnType) IsValid() bool {
	for _, valid := range ValidColumnTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// Widen returns the least upper bound of a and b. The result is never narrower
// than either argument.
func Widen(a, b ColumnType) ColumnType {
	switch {
	case a == b:
		return a
	case a == TypeUnknown || a == "":
		return b
	case b == TypeUnknown || b == "":
		return a
	case a == TypeString || b == TypeString:
		return TypeString
	case isPair(a, b, TypeInteger, TypeFloat):
		return TypeFloat
	case isPair(a, b, TypeDate, TypeTimestamp):
		return TypeTimestamp
	default:
		return TypeString
	}
}

func isPair(a, b, x, y ColumnType) bool {
	return (a == x && b == y) || (a == y && b == x)
}

// AthenaType returns the Hive DDL type used in CREATE EXTERNAL TABLE statements.
func (t ColumnType) AthenaType() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeInteger:
		return "bigint"
	case TypeFloat:
		return "double"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// ParquetTag returns the physical/converted type part of a parquet-go schema tag.
func (t ColumnType) ParquetTag() string {
	switch t {
	case TypeBoolean:
		return "type=BOOLEAN"
	case TypeInteger:
		return "type=INT64"
	case TypeFloat:
		return "type=DOUBLE"
	case TypeDate:
		return "type=INT32, convertedtype=DATE"
	case TypeTimestamp:
		return "type=INT64, convertedtype=TIMESTAMP_MILLIS"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

// FromEngineType maps a type name reported by the query engine back onto the
// lattice. Unrecognised types map to STRING.
func FromEngineType(engineType string) ColumnType {
	name := strings.ToLower(strings.TrimSpace(engineType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}

	switch name {
	case "boolean":
		return TypeBoolean
	case "tinyint", "smallint", "int", "integer", "bigint":
		return TypeInteger
	case "float", "real", "double", "decimal":
		return TypeFloat
	case "date":
		return TypeDate
	case "timestamp":
		return TypeTimestamp
	default:
		return TypeString
	}
}
