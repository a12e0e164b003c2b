package main

import (
	"fmt"
	"strings"

	"github.com/darkden-lab/notifier/internal/notifications"
	"github.com/spf13/cobra"
)

func newTemplatesCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List templates and the variables they accept",
		RunE: func(cmd *cobra.Command, args []string) error {
			categories := notifications.AllCategories
			if category != "" {
				c, ok := notifications.ParseCategory(category)
				if !ok {
					return fmt.Errorf("unknown category %q", category)
				}
				categories = []notifications.Category{c}
			}

			out := cmd.OutOrStdout()
			for _, c := range categories {
				t := c.Topology()
				fmt.Fprintf(out, "%s (exchange %s, routing key %s, queue %s)\n", c, t.Exchange, t.RoutingKey, t.Queue)
				for _, id := range notifications.Templates(c) {
					required, optional, _ := notifications.TemplateFields(id)
					fmt.Fprintf(out, "  %-24s required: %s\n", id, list(required))
					if len(optional) > 0 {
						fmt.Fprintf(out, "  %-24s optional: %s\n", "", list(optional))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Only list templates of this category (auth, order)")
	return cmd
}

func list(fields []string) string {
	if len(fields) == 0 {
		return "-"
	}
	return strings.Join(fields, ", ")
}
