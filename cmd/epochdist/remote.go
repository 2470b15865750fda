package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochdist/pkg/client"
)

// apiClient builds a client from the root persistent flags.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("api-key")
	var opts []client.ClientOption
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(strings.TrimRight(addr, "/"), opts...)
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit PATH...",
		Short: "Submit a distribution request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			props, _ := cmd.Flags().GetStringToString("property")
			resp, err := apiClient(cmd).Submit(cmd.Context(), client.Request{
				Type:       typ,
				Paths:      args,
				Properties: props,
			})
			if err != nil {
				return err
			}
			printResponses(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().String("type", "add", "request type: add, delete, pull or test")
	cmd.Flags().StringToString("property", nil, "package property key=value (repeatable)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient(cmd).Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newItemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items QUEUE",
		Short: "List the items of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			items, err := apiClient(cmd).Items(cmd.Context(), args[0], offset, limit)
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().Int("offset", 0, "items to skip from the head")
	cmd.Flags().Int("limit", 50, "maximum items to list")
	return cmd
}

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq ORIGIN",
		Short: "List the error queue items of an origin queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			items, err := apiClient(cmd).DLQ(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "maximum items to list")
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay ORIGIN",
		Short: "Move error queue items back to their origin queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			n, err := apiClient(cmd).Replay(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d item(s) to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "maximum items to replay")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause queue processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "paused")
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume queue processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resumed")
			return nil
		},
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

func printResponses(w io.Writer, rs []client.Response) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tQUEUE\tSTATE\tMESSAGE")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", dash(r.PackageID), dash(r.Queue), r.State, r.Message)
	}
	_ = tw.Flush()
}

func printStatus(w io.Writer, st *client.Status) {
	fmt.Fprintf(w, "agent %s: %s\n", st.Agent, st.State)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tITEMS\tSTATE\tPASSIVE")
	for _, q := range st.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%v\n", q.Name, q.ItemsCount, q.State, q.Passive)
	}
	_ = tw.Flush()
}

func printItems(w io.Writer, items []*client.Item) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tPATHS\tSTATE\tATTEMPTS\tENTERED")
	for _, it := range items {
		entered := "-"
		if !it.Entered.IsZero() {
			entered = it.Entered.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			it.ID, it.RequestType, strings.Join(it.Paths, ","), it.State, it.Attempts, entered)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
