package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/daemon"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		baseDir    string
		jsonOutput bool
	)
	cmd.StringVar(&baseDir, "base-dir", "", "Relay base directory (overrides RELAY_BASE_DIR)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if baseDir == "" {
		baseDir = config.Load().BaseDir
	}
	layout := transport.Layout{Base: baseDir}

	st, err := daemon.ReadStatus(layout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s no status published under %s: %v\n", ColorRed, ColorReset, baseDir, err)
		return 1
	}
	pending, _ := transport.NewQueue(layout, nil).Pending()

	if jsonOutput {
		data, _ := json.MarshalIndent(struct {
			*daemon.Status
			Pending int `json:"pending"`
		}{st, len(pending)}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	color := ColorGreen
	if st.Status != observability.StatusHealthy {
		color = ColorYellow
	}
	_, _ = fmt.Fprintf(stdout, "Status:            %s%s%s\n", ColorBold+color, st.Status, ColorReset)
	_, _ = fmt.Fprintf(stdout, "Processed:         %d (accepted %d, rejected %d)\n",
		st.Stats.Processed, st.Stats.Accepted, st.Stats.Rejected)
	_, _ = fmt.Fprintf(stdout, "Failure rate:      %.1f%% over %ds\n", st.Health.FailureRate*100, st.Health.WindowSecs)
	_, _ = fmt.Fprintf(stdout, "Active violations: %d\n", st.ActiveViolations)
	_, _ = fmt.Fprintf(stdout, "Alerts raised:     %d\n", st.Stats.Alerts)
	_, _ = fmt.Fprintf(stdout, "Pending:           %d\n", len(pending))
	_, _ = fmt.Fprintf(stdout, "Components:        %d\n", st.Components)
	_, _ = fmt.Fprintf(stdout, "Signatures:        %s\n", enforcement(st.RequireSignatures))
	_, _ = fmt.Fprintf(stdout, "Generated:         %s\n", st.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	return 0
}

func enforcement(on bool) string {
	if on {
		return "required"
	}
	return "optional"
}
