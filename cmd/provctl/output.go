package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/igprov/internal/api"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/model"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(format string) *printer {
	return &printer{w: os.Stdout, format: strings.ToLower(format)}
}

// value prints v as JSON or YAML, or text for the text format.
func (p *printer) value(v any, text string) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		data, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = p.w.Write(data)
		return err
	default:
		_, err := fmt.Fprintln(p.w, text)
		return err
	}
}

// toYAML renders v through its JSON form so field names match the API.
func toYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func (p *printer) status(resp api.StatusResponse) error {
	return p.value(resp, fmt.Sprintf("status: %s (%d)", resp.StatusName, resp.Status))
}

func (p *printer) properties(props engine.Properties) error {
	var b strings.Builder
	fmt.Fprintf(&b, "status:           %s (%d)\n", props.StatusName, props.Status)
	fmt.Fprintf(&b, "core provisioned: %t\n", props.CoreProvisioned)
	fmt.Fprintf(&b, "edge provisioned: %t\n", props.EdgeProvisioned)
	fmt.Fprintf(&b, "busy:             %t", props.Busy)
	if props.OperationID != "" {
		fmt.Fprintf(&b, " (%s)", props.OperationID)
	}
	fmt.Fprintf(&b, "\nconnectivity:     %s\n", props.Connectivity)
	fmt.Fprintf(&b, "escrow:           %s", props.Escrow.State)
	if props.Escrow.FireAt != nil {
		fmt.Fprintf(&b, " (fires %s)", props.Escrow.FireAt.Format(time.RFC3339))
	}
	return p.value(props, b.String())
}

func (p *printer) transition(t model.Transition) error {
	return p.value(t, formatTransition(t))
}

func formatTransition(t model.Transition) string {
	line := fmt.Sprintf("%s #%d %s core=%t edge=%t source=%s",
		t.At.Format(time.RFC3339), t.Seq, t.StatusName, t.CoreProvisioned, t.EdgeProvisioned, t.Source)
	if t.Backend != "" {
		line += " backend=" + string(t.Backend)
	}
	return line
}

func (p *printer) history(h api.HistoryResponse) error {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSEQ\tSTATUS\tCORE\tEDGE\tSOURCE\tBACKEND")
	for _, t := range h.Transitions {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%t\t%s\t%s\n",
			t.At.Format(time.RFC3339), t.Seq, t.StatusName, t.CoreProvisioned, t.EdgeProvisioned, t.Source, t.Backend)
	}
	tw.Flush()
	fmt.Fprintf(&b, "%d of %d", len(h.Transitions), h.Total)
	return p.value(h, b.String())
}

func (p *printer) backends(backends []api.BackendStatus) error {
	lines := make([]string, len(backends))
	for i, b := range backends {
		lines[i] = fmt.Sprintf("%s\tprovisioned=%t", b.Kind, b.Provisioned)
	}
	return p.value(backends, strings.Join(lines, "\n"))
}
