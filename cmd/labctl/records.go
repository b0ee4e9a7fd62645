package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dairylab/records"
)

func recordsCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"reports"},
		Short:   "Work with lab reports",
		Long: `List, show, create, update and delete lab reports of one kind.

Kinds: raw-milk, butter, yogurt-no-sugar, yogurt-fruited, probiotic-yogurt, semi-cheese.`,
	}
	cmd.AddCommand(
		recordsListCmd(app),
		recordsGetCmd(app),
		recordsCreateCmd(app),
		recordsUpdateCmd(app),
		recordsDeleteCmd(app),
	)
	return cmd
}

func recordsListCmd(app *cliApp) *cobra.Command {
	var from, to, format string

	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List reports sampled in a date range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := records.LookupKind(args[0]); err != nil {
				return err
			}
			e, err := app.session(cmd)
			if err != nil {
				return err
			}
			if to == "" {
				to = time.Now().Format(records.DateLayout)
			}
			if from == "" {
				from = time.Now().AddDate(0, -1, 0).Format(records.DateLayout)
			}

			reports, err := e.api.List(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), reports)
			}
			printSummaries(cmd.OutOrStdout(), reports)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "First sampling date (YYYY-MM-DD, default one month ago)")
	cmd.Flags().StringVar(&to, "to", "", "Last sampling date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text or json)")
	return cmd
}

func recordsGetCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			e, err := app.session(cmd)
			if err != nil {
				return err
			}
			rec, err := e.api.Get(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func recordsCreateCmd(app *cliApp) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Upload a report form",
		Long:  `Upload a JSON report form read from --file, or from stdin when --file is "-".`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readForm(cmd, file)
			if err != nil {
				return err
			}
			e, err := app.session(cmd)
			if err != nil {
				return err
			}
			resp, err := e.api.Create(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d)\n", resp.Message, resp.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Path of the JSON form")
	return cmd
}

func recordsUpdateCmd(app *cliApp) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Replace a report form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			body, err := readForm(cmd, file)
			if err != nil {
				return err
			}
			e, err := app.session(cmd)
			if err != nil {
				return err
			}
			resp, err := e.api.Update(cmd.Context(), args[0], id, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Path of the JSON form")
	return cmd
}

func recordsDeleteCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete a report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			e, err := app.session(cmd)
			if err != nil {
				return err
			}
			resp, err := e.api.Delete(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid report id %q", v)
	}
	return id, nil
}

func readForm(cmd *cobra.Command, file string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if file == "-" {
		body, err = io.ReadAll(cmd.InOrStdin())
	} else {
		body, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	if _, err := records.ParseInput(body); err != nil {
		return nil, err
	}
	return body, nil
}

func printSummaries(w io.Writer, reports []records.Summary) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No reports found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tSAMPLE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, r.Date, r.SampleNumber)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
