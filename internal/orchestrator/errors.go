package orchestrator

import "fmt"

func errUnknownTarget(targetListID string) error {
	return fmt.Errorf("target list %q is not bound to this definition", targetListID)
}
