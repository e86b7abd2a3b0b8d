package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"streamwise/db"
	"streamwise/server"
	"streamwise/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API and live view",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.config.Server.Addr
		}
		return server.New(a.engine, a.settings, a.logger, a.config.Server.Mode).Run(ctx, addr)
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
	RunE:    runConversationsList,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently created last",
	Args:  cobra.NoArgs,
	RunE:  runConversationsList,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation (a unique id prefix is enough)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "warn")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveConversation(a.engine, args[0])
		if err != nil {
			return err
		}
		if err := a.engine.DeleteConversation(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		return nil
	},
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), "warn")
	if err != nil {
		return err
	}
	defer a.Close()

	printConversations(cmd.OutOrStdout(), a.engine)
	return nil
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	RunE:  runKeysList,
}

var keysAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Store an API key; the first key becomes current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "warn")
		if err != nil {
			return err
		}
		defer a.Close()

		name, _ := cmd.Flags().GetString("name")
		provider, _ := cmd.Flags().GetString("provider")
		baseURL, _ := cmd.Flags().GetString("base-url")
		key, err := a.settings.AddAPIKey(ctx, name, args[0], db.Provider(provider), baseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added key %s (%s)\n", key.ID, key.Provider)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored API keys",
	Args:  cobra.NoArgs,
	RunE:  runKeysList,
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "warn")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.settings.RemoveAPIKey(ctx, args[0])
	},
}

var keysUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make an API key current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "warn")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.settings.SetCurrentAPIKey(ctx, args[0])
	},
}

func runKeysList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), "warn")
	if err != nil {
		return err
	}
	defer a.Close()

	current := a.settings.CurrentAPIKey()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tPROVIDER\tKEY")
	for _, k := range a.settings.APIKeys() {
		marker := ""
		if current != nil && current.ID == k.ID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, k.ID, k.Name, k.Provider, server.MaskKey(k.Key))
	}
	return w.Flush()
}

var exportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export a conversation to JSON or Markdown",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), "warn")
		if err != nil {
			return err
		}
		defer a.Close()

		output, _ := cmd.Flags().GetString("output")
		if all, _ := cmd.Flags().GetBool("all"); all {
			if output == "" {
				output = utils.GenerateExportFilename("all-conversations", utils.FormatJSON)
			}
			return writeExport(cmd.OutOrStdout(), output, a.engine.ExportAll)
		}

		if len(args) == 0 {
			return fmt.Errorf("conversation id required (or --all)")
		}
		format, _ := cmd.Flags().GetString("format")
		exportFormat, err := utils.ParseExportFormat(format)
		if err != nil {
			return err
		}
		id, err := resolveConversation(a.engine, args[0])
		if err != nil {
			return err
		}
		conv, err := a.engine.Conversation(id)
		if err != nil {
			return err
		}
		if output == "" {
			output = utils.GenerateExportFilename(conv.Title, exportFormat)
		}
		return writeExport(cmd.OutOrStdout(), output, func(w io.Writer) error {
			return a.engine.ExportConversation(w, id, exportFormat)
		})
	},
}

func writeExport(out io.Writer, path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(out)
	}
	if err := utils.WriteFile(path, write); err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported to %s\n", path)
	return nil
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import conversations from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "warn")
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		imported, err := a.engine.ImportConversations(ctx, f)
		if err != nil {
			return err
		}
		titles := make([]string, 0, len(imported))
		for _, conv := range imported {
			titles = append(titles, fmt.Sprintf("%s %q", shortID(conv.ID), conv.Title))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d conversation(s)\n  %s\n", len(imported), strings.Join(titles, "\n  "))
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the SQLite database file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), "warn")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.sqlite == nil {
			return fmt.Errorf("primary database is not available")
		}
		if err := a.sqlite.Vacuum(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database compacted")
		return nil
	},
}
