package steam

import (
	"bytes"
	"fmt"
	"strconv"
)

// uint64String decodes platform JSON numbers that arrive either quoted or
// bare.
type uint64String uint64

func (u *uint64String) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*u = 0
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse uint64 %q: %w", data, err)
	}
	*u = uint64String(n)
	return nil
}

// numericBool decodes 0/1 as well as true/false.
type numericBool bool

func (b *numericBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.Trim(data, `"`)) {
	case "1", "true":
		*b = true
	case "0", "false", "", "null":
		*b = false
	default:
		return fmt.Errorf("parse bool %q", data)
	}
	return nil
}
