// Command cortex is a thin operational front end over the gateway core:
// inspect configuration, run a pathway from the terminal, print build info.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/aj-archipelago/cortex-sub000/config"
	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/adapters/gemini"
	"github.com/aj-archipelago/cortex-sub000/llm/adapters/openai"
	"github.com/aj-archipelago/cortex-sub000/llm/pipeline"
	"github.com/aj-archipelago/cortex-sub000/version"
)

var (
	configPath   string
	verbose      bool
	outputFormat string
	streamOut    bool
	backendName  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cortex",
		Short:        "LLM gateway core",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cortex.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newVersionCmd(), newBackendsCmd(), newPathwaysCmd(), newRunCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRegistry() (*llm.Registry, error) {
	r := llm.NewRegistry()
	if err := openai.Register(r); err != nil {
		return nil, err
	}
	if err := gemini.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if outputFormat == "json" {
				s, err := info.ToJSON()
				if err != nil {
					return err
				}
				fmt.Println(s)
				return nil
			}
			fmt.Println(info.Text())
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json)")
	return cmd
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg := store.Get()

			names := make([]string, 0, len(cfg.Backends))
			for name := range cfg.Backends {
				names = append(names, name)
			}
			sort.Strings(names)

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("NAME", "TYPE", "MODEL", "ENDPOINT")
			for _, name := range names {
				b := cfg.Backends[name]
				label := name
				if name == cfg.Default {
					label = name + " (default)"
				}
				table.AddRow(label, b.Type, b.Model, b.Endpoint)
			}
			fmt.Println(table.String())
			return nil
		},
	}
}

func newPathwaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pathways",
		Short: "List configured pathways",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg := store.Get()

			names := make([]string, 0, len(cfg.Pathways))
			for name := range cfg.Pathways {
				names = append(names, name)
			}
			sort.Strings(names)

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("NAME", "BACKEND", "CACHE", "PROMPT")
			for _, name := range names {
				p := cfg.Pathways[name]
				table.AddRow(name, p.Backend, fmt.Sprintf("%t", p.EnableCache), p.Prompt)
			}
			fmt.Println(table.String())
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pathway> [text]",
		Short: "Run a pathway against its backend",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) > 1 {
				text = args[1]
			} else {
				// No inline text; read it from stdin so the command pipes.
				in, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = strings.TrimSpace(string(in))
			}
			return runPathway(cmd.Context(), args[0], text)
		},
	}
	cmd.Flags().BoolVar(&streamOut, "stream", false, "stream output as it arrives")
	cmd.Flags().StringVarP(&backendName, "backend", "b", "", "override the pathway's backend")
	return cmd
}

func runPathway(ctx context.Context, pathwayName, text string) error {
	logger := newLogger()

	store, err := config.Load(configPath)
	if err != nil {
		return err
	}
	pw, err := store.Pathway(pathwayName)
	if err != nil {
		return err
	}

	name := backendName
	if name == "" {
		name = store.Get().Pathways[pathwayName].Backend
	}
	backend, err := store.Backend(name)
	if err != nil {
		return err
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	adapter, err := registry.New(backend.Descriptor())
	if err != nil {
		return err
	}

	req := llm.NewRequest("", "", llm.NewCallContext(pw.Name))
	if streamOut {
		return runStreaming(ctx, adapter, backend.Type, pw, req, text)
	}

	resp, err := adapter.Execute(ctx, text, nil, pw, req)
	if err != nil {
		return err
	}
	fmt.Println(resp.Text)
	if resp.IsSafetyBlocked() {
		logger.Warn("result was safety blocked", "reason", resp.Metadata["block_reason"])
	}
	return nil
}

// streamer is implemented by adapters that expose the pipeline's stream
// path.
type streamer interface {
	ExecuteStream(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request, pub llm.ProgressPublisher) (*pipeline.Stream, error)
}

func runStreaming(ctx context.Context, adapter llm.Adapter, backendType string, pw llm.Pathway, req *llm.Request, text string) error {
	s, ok := adapter.(streamer)
	if !ok {
		return fmt.Errorf("backend type %q does not support streaming", backendType)
	}

	stream, err := s.ExecuteStream(ctx, text, nil, pw, req, nil)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Print(delta.Content)
	}
}
