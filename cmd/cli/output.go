package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dvloznov/finance-dedup/internal/domain"
	"github.com/dvloznov/finance-dedup/internal/pipeline"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	dupLabel    = color.New(color.BgRed, color.FgWhite).SprintFunc()
	uniqueLabel = color.New(color.BgGreen, color.FgBlack).SprintFunc()
	dateLabel   = color.New(color.BgYellow, color.FgBlack).SprintfFunc()
)

func printDecisions(w io.Writer, decisions []domain.Decision) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Record", "Match", "Duplicate", "Canonical", "Confidence", "Compared"})
	for _, d := range decisions {
		table.Append([]string{
			d.RecordID,
			string(d.MatchType),
			strconv.FormatBool(d.IsDuplicate),
			d.CanonicalID,
			strconv.FormatFloat(d.Confidence, 'f', 3, 64),
			strconv.Itoa(d.ComparedCount),
		})
	}
	table.Render()
}

func printUpdates(w io.Writer, updates []domain.DuplicateUpdate) {
	if len(updates) == 0 {
		fmt.Fprintln(w, "No duplicate-state changes.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Record", "Change", "Canonical"})
	for _, u := range updates {
		change := "mark duplicate"
		if !u.IsDuplicate {
			change = "clear"
		}
		table.Append([]string{u.ID, change, u.CanonicalID})
	}
	table.Render()
}

func printIngestSummary(w io.Writer, res *pipeline.IngestResult) {
	mode := "stored"
	if res.DryRun {
		mode = "dry run, nothing stored"
	}
	fmt.Fprintf(w, "%d records read, %d inserted, %d duplicates, %d already stored (%s)\n",
		res.Total, res.Inserted, res.Duplicates, len(res.AlreadyStored), mode)
}

func printMaintenanceSummary(w io.Writer, res *pipeline.MaintenanceResult) {
	c := res.Cluster
	if c == nil {
		fmt.Fprintln(w, "No records clustered.")
		return
	}
	fmt.Fprintf(w, "%d records in %d batches, %d groups: %d newly marked, %d repointed, %d cleared, %d repaired\n",
		c.Records, c.Batches, len(c.Groups), c.NewlyMarked, c.Repointed, c.Cleared, c.Repaired)
	if res.DryRun {
		fmt.Fprintf(w, "Dry run: %d changes not applied\n", len(c.Updates))
	} else {
		fmt.Fprintf(w, "Applied %d changes\n", res.Applied)
	}
	if res.ReportURI != "" {
		fmt.Fprintf(w, "Report: %s\n", res.ReportURI)
	}
}

// printDuplicates prints every flagged record under its canonical record.
func printDuplicates(w io.Writer, records []domain.TransactionRecord) {
	byID := make(map[string]domain.TransactionRecord, len(records))
	groups := make(map[string][]domain.TransactionRecord)
	for _, r := range records {
		byID[r.ID] = r
		if r.IsDuplicate {
			groups[r.CanonicalID] = append(groups[r.CanonicalID], r)
		}
	}
	if len(groups) == 0 {
		fmt.Fprintln(w, "No duplicates found.")
		return
	}

	canonicals := make([]string, 0, len(groups))
	for id := range groups {
		canonicals = append(canonicals, id)
	}
	sort.Strings(canonicals)

	for _, id := range canonicals {
		if c, ok := byID[id]; ok {
			fmt.Fprintf(w, "%s %s %s %s\n", uniqueLabel(" KEEP "), dateLabel(" %s ", c.Date.Format("2006-01-02")), c.Amount.StringFixed(2), c.Description)
		} else {
			fmt.Fprintf(w, "%s %s (outside range)\n", uniqueLabel(" KEEP "), id)
		}
		for _, d := range groups[id] {
			fmt.Fprintf(w, "  %s %s %s %s [%s]\n", dupLabel(" DUP "), dateLabel(" %s ", d.Date.Format("2006-01-02")), d.Amount.StringFixed(2), d.Description, d.ID)
		}
	}
}
