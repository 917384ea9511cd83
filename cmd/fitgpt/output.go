package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"fitgpt/internal/domain"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// useJSON reports whether output should be JSON: requested, or piped.
func useJSON() bool {
	return viper.GetBool("json") || !isTerminal(os.Stdout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if useJSON() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	switch items := v.(type) {
	case domain.Meal:
		return printJSONOrTable([]domain.Meal{items})
	case domain.Workout:
		return printJSONOrTable([]domain.Workout{items})
	case []domain.Meal:
		tw.AppendHeader(table.Row{"ID", "Date", "Meal", "Items", "Kcal"})
		for _, m := range items {
			tw.AppendRow(table.Row{m.ID, m.Date, m.Meal, m.Items, optionalInt(m.EstimatedCalories)})
		}
	case []domain.Workout:
		tw.AppendHeader(table.Row{"ID", "Date", "Type", "Details", "Start"})
		for _, w := range items {
			tw.AppendRow(table.Row{w.ID, w.Date, w.Type, w.Details, w.StartTime})
		}
	case []domain.Event:
		tw.AppendHeader(table.Row{"ID", "TS", "Type", "Date", "Entity"})
		for _, e := range items {
			tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Date, e.EntityKind + ":" + e.EntityID})
		}
	case []domain.APIKey:
		tw.AppendHeader(table.Row{"ID", "Name", "Created"})
		for _, k := range items {
			tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
		}
	default:
		return printJSON(v)
	}
	tw.Render()
	return nil
}

func printSummary(s domain.DailySummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Summary " + s.Date)
	kcalOut := optionalInt(s.KcalOut)
	if s.IsEstimate {
		kcalOut += " (estimate)"
	}
	sleep := "-"
	if s.Sleep != nil {
		sleep = fmt.Sprintf("%d min, %d%% efficiency", s.Sleep.Minutes, s.Sleep.Efficiency)
	}
	tw.AppendRows([]table.Row{
		{"kcal in", s.KcalIn},
		{"kcal out", kcalOut},
		{"steps", optionalInt(s.Steps)},
		{"resting HR", optionalInt(s.RestingHeartRate)},
		{"sleep", sleep},
		{"HRV", optionalInt(s.HRV)},
	})
	tw.Render()

	if len(s.Workouts) == 0 {
		return
	}
	ww := table.NewWriter()
	ww.SetOutputMirror(os.Stdout)
	ww.SetTitle("Workouts")
	ww.AppendHeader(table.Row{"Source", "Type", "Start", "Minutes", "Kcal", "Confirm"})
	for _, w := range s.Workouts {
		start := w.StartTime
		if start == "" {
			start = w.OriginalStartTime
		}
		confirm := ""
		if w.NeedsConfirmation {
			confirm = "needed"
		}
		ww.AppendRow(table.Row{w.Source, w.Type, start, w.DurationMs / 60000, w.Calories, confirm})
	}
	ww.Render()
}

func optionalInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
