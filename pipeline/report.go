package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// WriteTable renders the per-file outcome table.
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tACTION\tSTATUS\tDETAIL\tPATH")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.App, o.Action, strings.ToUpper(string(o.Status)), detail(o), o.Path)
	}
	return tw.Flush()
}

func detail(o Outcome) string {
	switch {
	case o.Reason != "":
		return o.Reason
	case strings.HasPrefix(o.Action, "purge"):
		return fmt.Sprintf("%d rows", o.Removed)
	case len(o.Keys) > 0:
		return fmt.Sprintf("%d keys", len(o.Keys))
	default:
		return "-"
	}
}

// WriteNDJSON appends one JSON object per outcome plus a trailing summary
// record, newline-delimited.
func (r *Report) WriteNDJSON(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	for _, o := range r.Outcomes {
		record := struct {
			Type string `json:"type"`
			Outcome
		}{Type: "outcome", Outcome: o}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	summary := struct {
		Type      string `json:"type"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		DryRun    bool   `json:"dry_run"`
		Total     int    `json:"total"`
		ExitCode  int    `json:"exit_code"`
	}{"summary", r.StartTime, r.EndTime, r.DryRun, len(r.Outcomes), r.ExitCode()}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return buf.Flush()
}
