// SPDX-License-Identifier: AGPL-3.0-or-later

package constraint

import "fmt"

// Validate checks that v is a well-formed constraint tree whose nodes all
// use recognized operators.
func Validate(v any) error {
	return validate(v, "constraints")
}

func validate(v any, path string) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: must be an object", path)
	}
	if len(obj) == 0 {
		return nil
	}
	for op, arg := range obj {
		list, ok := arg.([]any)
		if !ok {
			return fmt.Errorf("%s.%s: value must be an array", path, op)
		}
		switch op {
		case OpProperties:
			for _, item := range list {
				s, ok := item.(string)
				if !ok || s == "" || s == "^" {
					return fmt.Errorf("%s.%s: invalid property %v", path, op, item)
				}
			}
		case OpHostlist, OpRanks:
			for _, item := range list {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("%s.%s: values must be strings", path, op)
				}
			}
		case OpAnd, OpOr, OpNot:
			for i, item := range list {
				if err := validate(item, fmt.Sprintf("%s.%s[%d]", path, op, i)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%s: %w %q", path, ErrUnknownOperator, op)
		}
	}
	return nil
}
