package matrix

import (
	"fmt"
	"strconv"
)

// Cell is the tri-state value of one matrix cell. The integer values are the
// on-disk encoding.
type Cell int8

const (
	Inactive  Cell = 0
	Active    Cell = 1
	Uncertain Cell = -1
)

// Valid reports whether c is one of the three states.
func (c Cell) Valid() bool {
	return c == Inactive || c == Active || c == Uncertain
}

func (c Cell) String() string {
	switch c {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Uncertain:
		return "uncertain"
	default:
		return fmt.Sprintf("cell(%d)", int8(c))
	}
}

// ParseCell decodes the on-disk encoding of a cell.
func ParseCell(s string) (Cell, error) {
	v, err := strconv.ParseInt(s, 10, 8)
	if err != nil {
		return Inactive, fmt.Errorf("invalid cell %q: %w", s, err)
	}
	c := Cell(v)
	if !c.Valid() {
		return Inactive, fmt.Errorf("invalid cell %q", s)
	}
	return c, nil
}
