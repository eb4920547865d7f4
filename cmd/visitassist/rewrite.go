package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/visitassist/internal/rewrite"
)

var openContexts = []rewrite.OpenContext{
	rewrite.ContextNone,
	rewrite.ContextAwaitingSearchTerm,
	rewrite.ContextAwaitingHistory,
	rewrite.ContextAwaitingTypeFilter,
	rewrite.ContextAwaitingClarification,
}

func rewriteCmd() *cobra.Command {
	var open string
	cmd := &cobra.Command{
		Use:   "rewrite [text]",
		Short: "Print the canonical query for a piece of user text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := parseOpenContext(open)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			canonical := rewrite.Rewrite(text, ctx)
			rule := "none"
			switch {
			case rewrite.IsHelpIntent(text):
				rule = "help"
			default:
				if name := rewrite.Match(rewrite.ApplyContext(text, ctx)); name != "" {
					rule = name
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t(rule: %s, context: %s)\n", canonical, rule, ctx)
			return nil
		},
	}
	cmd.Flags().StringVarP(&open, "context", "c", string(rewrite.ContextNone), "open context of the previous assistant turn")
	return cmd
}

func parseOpenContext(raw string) (rewrite.OpenContext, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rewrite.ContextNone, nil
	}
	names := make([]string, 0, len(openContexts))
	for _, c := range openContexts {
		if string(c) == raw {
			return c, nil
		}
		names = append(names, string(c))
	}
	return "", fmt.Errorf("unknown context %q (expected one of %s)", raw, strings.Join(names, ", "))
}
