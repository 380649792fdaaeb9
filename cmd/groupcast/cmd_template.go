package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/store"
	"github.com/groupcast/groupcast/internal/template"
)

var templateHwd = &TemplateRunner{}

type TemplateRunner struct{}

func (r *TemplateRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "template",
		Usage: "Manage broadcast content templates",
		Flags: []cli.Flag{configFlag()},
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a template",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "name", Usage: "Template name", Required: true},
					&cli.StringFlag{Name: "content", Usage: "Message text (or @path to read from a file)", Required: true},
					&cli.StringSliceFlag{Name: "image", Usage: "Image path or URL (repeatable)"},
				},
				Action: r.add,
			},
			{
				Name:   "list",
				Usage:  "List all templates",
				Flags:  []cli.Flag{configFlag()},
				Action: r.list,
			},
			{
				Name:      "show",
				Usage:     "Print a template's full content",
				ArgsUsage: "<template-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.show,
			},
			{
				Name:  "edit",
				Usage: "Update a template's fields (future job runs pick up the change)",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "id", Usage: "Template id", Required: true},
					&cli.StringFlag{Name: "name", Usage: "New name"},
					&cli.StringFlag{Name: "content", Usage: "New message text (or @path)"},
					&cli.StringSliceFlag{Name: "image", Usage: "Replacement image list (repeatable)"},
				},
				Action: r.edit,
			},
			{
				Name:      "remove",
				Usage:     "Delete a template",
				ArgsUsage: "<template-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.remove,
			},
		},
	}
}

func (r *TemplateRunner) open(cmd *cli.Command) (*template.Manager, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config error: %w", err)
	}
	return template.NewManager(store.New(cfg.Store.DataDir))
}

func (r *TemplateRunner) add(_ context.Context, cmd *cli.Command) error {
	mgr, err := r.open(cmd)
	if err != nil {
		return err
	}

	content, err := resolveContent(cmd.String("content"))
	if err != nil {
		return err
	}

	id, err := mgr.Create(cmd.String("name"), content, cmd.StringSlice("image"))
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	fmt.Printf("Template %s created.\n", id)
	return nil
}

func (r *TemplateRunner) list(_ context.Context, cmd *cli.Command) error {
	mgr, err := r.open(cmd)
	if err != nil {
		return err
	}

	templates := mgr.List()
	if len(templates) == 0 {
		fmt.Println("No templates defined.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIMAGES\tMODIFIED\tPREVIEW")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.Name, len(t.Images),
			t.ModifiedAt.Local().Format("2006-01-02 15:04"),
			preview(t.Content, 40))
	}
	return w.Flush()
}

func (r *TemplateRunner) show(_ context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("usage: groupcast template show <template-id>")
	}

	mgr, err := r.open(cmd)
	if err != nil {
		return err
	}
	t, ok := mgr.Get(id)
	if !ok {
		return fmt.Errorf("template %s not found", id)
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Name:     %s\n", t.Name)
	fmt.Printf("Created:  %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("Modified: %s\n", t.ModifiedAt.Local().Format("2006-01-02 15:04"))
	for _, img := range t.Images {
		fmt.Printf("Image:    %s\n", img)
	}
	fmt.Printf("\n%s\n", t.Content)
	return nil
}

func (r *TemplateRunner) edit(_ context.Context, cmd *cli.Command) error {
	mgr, err := r.open(cmd)
	if err != nil {
		return err
	}

	content := cmd.String("content")
	if content != "" {
		if content, err = resolveContent(content); err != nil {
			return err
		}
	}

	id := cmd.String("id")
	if err := mgr.Update(id, cmd.String("name"), content, cmd.StringSlice("image")); err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	fmt.Printf("Template %s updated.\n", id)
	return nil
}

func (r *TemplateRunner) remove(_ context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return fmt.Errorf("usage: groupcast template remove <template-id>")
	}

	mgr, err := r.open(cmd)
	if err != nil {
		return err
	}
	if err := mgr.Delete(id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	fmt.Printf("Template %s deleted.\n", id)
	return nil
}

// resolveContent supports @path syntax for reading message text from a
// file.
func resolveContent(raw string) (string, error) {
	if !strings.HasPrefix(raw, "@") {
		return raw, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
	if err != nil {
		return "", fmt.Errorf("read content file: %w", err)
	}
	return string(data), nil
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
