package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/migrate"
)

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "A mission scopes the board. Policy guards apply only while a mission is active.",
	}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionStatusCmd())
	m.AddCommand(missionFinalReviewCmd())
	m.AddCommand(missionPostcheckCmd())
	m.AddCommand(missionCompleteCmd())
	return m
}

// parseLimits reads stage=limit pairs.
func parseLimits(pairs []string) (map[domain.Stage]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[domain.Stage]int, len(pairs))
	for _, p := range pairs {
		stage, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid wip limit %q, want stage=N", p)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid wip limit %q: %w", p, err)
		}
		out[domain.Stage(strings.TrimSpace(stage))] = n
	}
	return out, nil
}

func missionCreateCmd() *cobra.Command {
	var id, title string
	var limits []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			wip, err := parseLimits(limits)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, engine.CreateMissionOptions{ID: id, Title: title, WIPLimits: wip, ActorID: agentName()})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringSliceVar(&limits, "wip", nil, "stage=N ceiling override, repeatable")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, domain.MissionStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Final review", "Postcheck", "Created"})
				for _, m := range items {
					post := ""
					if m.Postcheck != nil {
						post = strconv.FormatBool(m.Postcheck.Passed)
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, deref(m.FinalReviewVerdict), post, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <active|paused|blocked>",
		Short: "Pause, block or resume a mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetMissionStatus(ctx, args[0], domain.MissionStatus(args[1]), agentName())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionFinalReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "final-review <id> <approved|rejected>",
		Short: "Record the final review verdict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecordFinalReview(ctx, args[0], args[1], agentName())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionPostcheckCmd() *cobra.Command {
	var passed bool
	var checks []string
	cmd := &cobra.Command{
		Use:   "postcheck <id>",
		Short: "Record the postcheck result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecordPostcheck(ctx, args[0], domain.PostcheckResult{Passed: passed, Checks: checks}, agentName())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "whether every check passed")
	cmd.Flags().StringSliceVar(&checks, "check", nil, "check that ran, repeatable")
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a mission",
		Long:  "Completes only when every item is done, the final review approved and the postcheck passed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CompleteMission(ctx, args[0], agentName())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show board occupancy",
		Long:  "See items per stage against each stage's WIP ceiling.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx, missionID)
				if err != nil {
					return err
				}
				version, err := migrate.Version(ctx, e.DB)
				if err != nil {
					return err
				}
				active, err := e.Repo.MissionActive(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"mission_id":     missionID,
						"mission_active": active,
						"schema_version": version,
						"stages":         stats,
					})
				}
				fmt.Printf("Schema version: %d\n", version)
				fmt.Printf("Mission active: %t\n", active)
				tw := newTable(table.Row{"Stage", "Items", "WIP limit", "Terminal"})
				for _, s := range stats {
					limit := "-"
					if s.Limit != nil {
						limit = strconv.Itoa(*s.Limit)
					}
					tw.AppendRow(table.Row{s.Stage, s.Count, limit, s.Terminal})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	return cmd
}
