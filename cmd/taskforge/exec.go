package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskforge/internal/types"
)

// runExec dispatches one task built from the command flags and prints the
// result as JSON.
func runExec(cmd *cobra.Command, args []string) error {
	if execPrompt == "" {
		return fmt.Errorf("--prompt is required")
	}

	ctx := context.Background()
	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.shutdown()

	task := &types.Task{
		Kind:   types.Kind(execKind),
		Prompt: execPrompt,
	}
	if execKind == string(types.KindChat) {
		task.Prompt = ""
		task.Messages = []types.Message{{Role: types.RoleUser, Content: execPrompt}}
	}
	if execNoCache {
		allow := false
		task.Hints.AllowCache = &allow
	}
	if execTimeout > 0 {
		task.Hints.Timeout = execTimeout
	}

	res, err := c.Dispatch(ctx, task)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
