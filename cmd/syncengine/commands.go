package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/jare20895/ArcoreSyncBridge/internal/drift"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

func pushAction(a *app, c *cli.Context) error {
	defID := c.Args().First()
	if defID == "" {
		return cli.Exit("push: sync-def-id is required", 1)
	}
	result, err := a.orch.RunPush(c.Context, defID)
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d succeeded=%d failed=%d skipped=%d cursor_advanced=%v\n",
		result.Processed, result.Succeeded, result.Failed, result.Skipped, result.CursorAdvanced)
	return nil
}

func ingressAction(a *app, c *cli.Context) error {
	defID := c.Args().First()
	if defID == "" {
		return cli.Exit("ingress: sync-def-id is required", 1)
	}
	result, err := a.orch.RunIngress(c.Context, defID)
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d succeeded=%d failed=%d skipped=%d new_token_persisted=%v\n",
		result.Processed, result.Succeeded, result.Failed, result.Skipped, result.NewTokenPersisted)
	return nil
}

func cdcStartAction(a *app, c *cli.Context) error {
	instanceID, slotName := c.Args().Get(0), c.Args().Get(1)
	if instanceID == "" || slotName == "" {
		return cli.Exit("cdc start: instance-id and slot-name are required", 1)
	}
	if err := a.supervisor.StartCDC(c.Context, instanceID, slotName); err != nil {
		return err
	}
	fmt.Printf("cdc instance %q started on slot %q\n", instanceID, slotName)
	return nil
}

func cdcStopAction(a *app, c *cli.Context) error {
	instanceID := c.Args().First()
	if instanceID == "" {
		return cli.Exit("cdc stop: instance-id is required", 1)
	}
	if err := a.supervisor.StopCDC(instanceID); err != nil {
		return err
	}
	fmt.Printf("cdc instance %q stopped\n", instanceID)
	return nil
}

func moveAction(a *app, c *cli.Context) error {
	defID, hash, targetListID := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
	if defID == "" || hash == "" || targetListID == "" {
		return cli.Exit("move: sync-def-id, source-identity-hash and new-target-list-id are required", 1)
	}
	itemData, err := parseItemDataArg(c.Args().Get(3))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	result, err := a.orch.Move(c.Context, defID, hash, targetListID, itemData)
	if err != nil {
		return err
	}
	fmt.Printf("ok=%v new_item_id=%d audit_id=%s audit_status=%s\n",
		result.Ok, result.NewItemID, result.AuditID, result.AuditStatus)
	return nil
}

func reportAction(a *app, c *cli.Context) error {
	defID, kind := c.Args().Get(0), c.Args().Get(1)
	if defID == "" || kind == "" {
		return cli.Exit("report: sync-def-id and kind are required", 1)
	}
	rep, err := a.orch.Report(c.Context, defID, drift.Kind(kind))
	if err != nil {
		return err
	}
	fmt.Printf("kind=%s issues=%d\n", rep.Kind, len(rep.ItemsWithIssue))
	for _, issue := range rep.ItemsWithIssue {
		fmt.Printf("  %s target_list=%s target_item=%d reason=%s\n",
			issue.SourceIdentityHash, issue.TargetListID, issue.TargetItemID, issue.Reason)
	}
	return nil
}

// parseItemDataArg decodes an optional JSON object CLI argument into a
// row.Row, the same flat-field-bag shape the list backend's wire payload
// uses (internal/listbackend/client.go's fromWire).
func parseItemDataArg(arg string) (row.Row, error) {
	if arg == "" {
		return row.Row{}, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(arg), &fields); err != nil {
		return nil, fmt.Errorf("move: item-data-json: %w", err)
	}
	out := make(row.Row, len(fields))
	for k, v := range fields {
		out[k] = rowValueFromJSON(v)
	}
	return out, nil
}

func rowValueFromJSON(v interface{}) row.Value {
	switch t := v.(type) {
	case nil:
		return row.Null
	case string:
		return row.Text(t)
	case bool:
		return row.Boolean(t)
	case float64:
		return row.DecimalFromFloat(t)
	default:
		b, _ := json.Marshal(t)
		return row.Text(string(b))
	}
}
