package feature

import (
	"errors"
	"fmt"
)

// ErrEmptyDataset indicates a dataset source produced zero cell records.
var ErrEmptyDataset = errors.New("dataset contains no cell records")

// SchemaError indicates cell records with inconsistent column sets.
type SchemaError struct {
	CellID int64
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("inconsistent schema at cell %d: %s", e.CellID, e.Detail)
}

// UnknownColumnError indicates a reference to a column the table does not have.
type UnknownColumnError struct {
	Column string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("unknown column: %s", e.Column)
}
