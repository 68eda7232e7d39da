package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ashureev/dialog-sync/internal/backend"
)

func newDeliverCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Delivery checklist, generated files and releases of approved sessions",
	}
	cmd.AddCommand(
		newChecklistCmd(a),
		newDocsCmd(a),
		newDeployConfigCmd(a),
		newReleaseCmd(a),
		newProjectsCmd(a),
	)
	return cmd
}

func newChecklistCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checklist <session-id>",
		Short: "Show which delivery artifacts a session has produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checklist, err := a.client.Checklist(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), checklist)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderChecklist(checklist, a.styles))
			return err
		},
	}
}

func newDocsCmd(a *app) *cobra.Command {
	var types []string
	var dir string

	cmd := &cobra.Command{
		Use:   "docs <session-id>",
		Short: "Generate README, changelog, API and deployment documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := a.client.GenerateDocs(cmd.Context(), backend.DocsRequest{SessionID: args[0], Types: types})
			if err != nil {
				return err
			}
			return a.emitFiles(cmd.OutOrStdout(), dir, docs.Docs, docs)
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "Document types: readme, changelog, api, deployment (default all)")
	cmd.Flags().StringVarP(&dir, "output-dir", "o", "", "Write the documents into this directory")

	return cmd
}

func newDeployConfigCmd(a *app) *cobra.Command {
	var method, dir string

	cmd := &cobra.Command{
		Use:   "deploy-config <session-id>",
		Short: "Generate Dockerfile, compose file and environment template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.client.DeployConfig(cmd.Context(), args[0], method)
			if err != nil {
				return err
			}
			return a.emitFiles(cmd.OutOrStdout(), dir, cfg.Configs, cfg)
		},
	}

	cmd.Flags().StringVar(&method, "method", "docker", "Deployment method: docker, local or both")
	cmd.Flags().StringVarP(&dir, "output-dir", "o", "", "Write the files into this directory")

	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	var version, notes string

	cmd := &cobra.Command{
		Use:   "release <session-id>",
		Short: "Prepare a release and record the delivered project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := a.client.Release(cmd.Context(), backend.ReleaseRequest{
				SessionID: args[0],
				Version:   version,
				Changelog: notes,
			})
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), rel)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinVertical(lipgloss.Left,
				a.styles.title.Render(fmt.Sprintf("Release %s %s", rel.Version, rel.Status)),
				fmt.Sprintf("%s %s", a.styles.label.Render("project:"), a.styles.detail.Render(rel.ProjectID)),
				fmt.Sprintf("%s %s", a.styles.label.Render("output:"), a.styles.detail.Render(rel.OutputPath)),
				fmt.Sprintf("%s %s", a.styles.label.Render("notes:"), a.styles.detail.Render(rel.ReleaseNotes))))
			return err
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Release version (default 1.0.0)")
	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")

	return cmd
}

func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List delivered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projects, err := a.client.Projects(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), projects)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderProjects(projects, a.styles))
			return err
		},
	}
}

// emitFiles writes generated files into dir, or prints them when dir is
// empty.
func (a *app) emitFiles(out io.Writer, dir string, files map[string]string, raw any) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	if dir == "" {
		if a.asJSON {
			return writeJSON(out, raw)
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(out, "%s\n%s\n", a.styles.title.Render("== "+name), files[name]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, name := range names {
		path := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if !a.asJSON {
			if _, err := fmt.Fprintln(out, a.styles.detail.Render("wrote "+path)); err != nil {
				return err
			}
		}
	}
	if a.asJSON {
		return writeJSON(out, map[string]any{"dir": dir, "files": names})
	}
	return nil
}
