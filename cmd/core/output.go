package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/fitcoach/core/internal/models"
	syncpkg "github.com/kimhsiao/fitcoach/core/internal/sync"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// printer writes tab-aligned text lines.
type printer struct {
	tw *tabwriter.Writer
}

func (p *printer) line(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(p.tw, format+"\n", args...)
}

func (p *printer) source(src syncpkg.Source, updated time.Time) {
	switch src {
	case syncpkg.SourceCache:
		p.line("(offline: cached %s)", formatTime(updated))
	case syncpkg.SourceEmpty:
		p.line("(offline: nothing cached)")
	}
}

// render writes v in the selected format. Text output goes through text.
func (c *cli) render(cmd *cobra.Command, v interface{}, text func(*printer)) error {
	out := cmd.OutOrStdout()
	switch c.output {
	case outputJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		return writeYAML(out, v)
	}
	p := &printer{tw: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	text(p)
	return p.tw.Flush()
}

// writeYAML goes through JSON first so field names match the JSON output
// and the API, whatever yaml tags the types carry.
func writeYAML(out io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func printWorkout(w *printer, wk *models.Workout) {
	w.line("workout\t%s\t%s\t%s", wk.ID, deref(wk.Name), wk.LifecycleStatus)
	w.line("started\t%s", formatTime(wk.StartTime))
	for _, ex := range wk.Exercises {
		w.line("%s", ex.ExerciseName)
		for _, s := range ex.Sets {
			w.line("  #%d\t%s\t%s\t%s", s.SetNumber, s.ID, s.SetType, describeSet(s))
		}
	}
}

func describeSet(s models.WorkoutSet) string {
	out := ""
	if s.Reps != nil {
		out += fmt.Sprintf("%d reps ", *s.Reps)
	}
	if s.Weight != nil {
		out += fmt.Sprintf("@ %g kg ", *s.Weight)
	}
	if s.DurationSeconds != nil {
		out += fmt.Sprintf("%ds ", *s.DurationSeconds)
	}
	if s.RPE != nil {
		out += string(*s.RPE)
	}
	return out
}

func describePatch(p *models.SetPatch) string {
	if p == nil {
		return "-"
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "?"
	}
	return string(raw)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatMillis(ms int64) string {
	return formatTime(time.UnixMilli(ms))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
