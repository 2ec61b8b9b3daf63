package cdc

import "fmt"

func errUnresolvedTarget(targetListID string) error {
	return fmt.Errorf("target list %q is not an active target", targetListID)
}
