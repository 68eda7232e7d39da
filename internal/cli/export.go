package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/dialog-sync/internal/dialog"
)

// exportDoc is the requirement snapshot written by the export command.
type exportDoc struct {
	SessionID   string         `json:"session_id" yaml:"session_id" toml:"session_id"`
	State       dialog.State   `json:"state" yaml:"state" toml:"state"`
	Progress    int            `json:"progress" yaml:"progress" toml:"progress"`
	ExportedAt  time.Time      `json:"exported_at" yaml:"exported_at" toml:"exported_at"`
	Requirement map[string]any `json:"requirement" yaml:"requirement" toml:"requirement"`
	Answers     []exportAnswer `json:"answers,omitempty" yaml:"answers,omitempty" toml:"answers,omitempty"`
}

type exportAnswer struct {
	Question string `json:"question" yaml:"question" toml:"question"`
	Answer   any    `json:"answer" yaml:"answer" toml:"answer"`
}

func newExportCmd(a *app) *cobra.Command {
	var format, outPath string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write the requirement document as YAML or TOML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			marshal, err := marshalerFor(format)
			if err != nil {
				return err
			}

			status, err := a.client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			turns, err := a.client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			doc := exportDoc{
				SessionID:   args[0],
				State:       status.State,
				Progress:    dialog.Progress(status.Answered, status.Total),
				ExportedAt:  time.Now().UTC().Truncate(time.Second),
				Requirement: dropNil(status.Requirement),
			}
			for _, t := range turns {
				if t.Answer == nil {
					continue
				}
				doc.Answers = append(doc.Answers, exportAnswer{Question: firstLine(t.Question.Prompt), Answer: t.Answer})
			}

			data, err := marshal(doc)
			if err != nil {
				return fmt.Errorf("encode %s: %w", format, err)
			}
			return writeExport(cmd.OutOrStdout(), outPath, data)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or toml")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to this file instead of stdout")

	return cmd
}

func marshalerFor(format string) (func(any) ([]byte, error), error) {
	switch format {
	case "yaml", "yml":
		return yaml.Marshal, nil
	case "toml":
		return toml.Marshal, nil
	}
	return nil, fmt.Errorf("unsupported format %q (want yaml or toml)", format)
}

func writeExport(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// dropNil removes null values; TOML has no representation for them.
func dropNil(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any:
			out[k] = dropNil(val)
		default:
			out[k] = val
		}
	}
	return out
}
