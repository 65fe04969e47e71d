package gateway

import "fmt"

var errUnsupportedInput = fmt.Errorf("gateway: unsupported session input envelope")
var errTaskNotFound = fmt.Errorf("gateway: task not found")

func errMissingField(name string) error {
	return fmt.Errorf("gateway: missing required field %q", name)
}
