package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/repo"
)

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Create items, move them through the pipeline, claim them and record reviews.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemClaimCmd())
	item.AddCommand(itemReleaseCmd())
	item.AddCommand(itemRejectCmd())
	item.AddCommand(itemLogCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateItemOptions
	var deps string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item in the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = agentName()
				if deps != "" {
					opts.DependsOn = strings.Split(deps, ",")
				}
				it, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&deps, "depends-on", "", "comma-separated item ids")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Stage = domain.Stage(stage)
				items, err := e.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Stage", "Owner", "Rejections", "Mission"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Stage, deref(it.Owner), it.RejectionCount, it.MissionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item with its work log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move an item to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Move(ctx, engine.MoveOptions{ItemID: args[0], To: domain.Stage(args[1]), ActorID: agentName()})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", res.ItemID, res.From, res.To)
				return nil
			})
		},
	}
}

func itemClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an item for --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Claim(ctx, args[0], agentName())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s claimed by %s\n", res.ItemID, res.Agent)
				return nil
			})
		},
	}
}

func itemReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Release(ctx, args[0], agentName())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s released\n", res.ItemID)
				return nil
			})
		},
	}
}

func itemRejectCmd() *cobra.Command {
	var reason, returnTo string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Record a rejection by --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reject(ctx, engine.RejectOptions{
					ItemID:   args[0],
					Reason:   reason,
					Agent:    agentName(),
					ReturnTo: domain.Stage(returnTo),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Escalated {
					fmt.Printf("%s escalated to %s after %d rejections\n", res.Item.ID, res.Item.Stage, res.Item.RejectionCount)
					return nil
				}
				fmt.Printf("%s rejected (%d), now in %s\n", res.Item.ID, res.Item.RejectionCount, res.Item.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the work was rejected")
	cmd.Flags().StringVar(&returnTo, "return-to", "", "stage to send the item back to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func itemLogCmd() *cobra.Command {
	var outcome, summary string
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Append a work log entry by --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.AppendLog(ctx, args[0], domain.WorkLogEntry{Agent: agentName(), Outcome: outcome, Summary: summary})
				if err != nil {
					return err
				}
				return printJSONOrTable(it.WorkLog)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "note", "started, completed, rejected, escalated or note")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}
