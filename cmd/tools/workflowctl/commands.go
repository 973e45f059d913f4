package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"content-orchestrator/internal/agent"
	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/database"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/genai"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/orchestrator"
	"content-orchestrator/internal/retrieval"
	"content-orchestrator/internal/vectorstore"
	"content-orchestrator/internal/workflow"
	"content-orchestrator/pkg/registry"
)

const defaultWorkflowFile = "configs/workflows.json"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Operate content workflows and the context store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (defaults to configs/config.yaml and env)")

	root.AddCommand(
		newValidateCmd(),
		newListCmd(),
		newAddCmd(),
		newIngestCmd(),
		newPurgeCmd(),
		newFingerprintCmd(),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow file together with the built-in workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			reg, err := loadRegistry(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow registry valid: %d workflow(s).\n", len(reg.Names()))
			return nil
		},
	}
	cmd.Flags().String("file", "", "workflow file to validate")
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows and their step groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			reg, err := loadRegistry(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				def, _ := reg.Definition(name)
				steps, err := reg.StepsFor(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s (inputs: %s)\n", name, strings.Join(def.Inputs, ", "))
				for _, group := range workflow.Groups(steps) {
					names := make([]string, 0, len(group))
					for _, st := range group {
						label := st.Name
						if st.Optional {
							label += "?"
						}
						names = append(names, label)
					}
					fmt.Fprintf(out, "  group %d: %s\n", group[0].ConcurrencyGroup, strings.Join(names, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "extra workflow file")
	return cmd
}

// newAddCmd appends a single-step skeleton to a workflow file. The result is
// validated before it is written.
func newAddCmd() *cobra.Command {
	var (
		path        string
		description string
		inputs      []string
		produces    []string
		instruction string
	)
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Add a workflow skeleton to a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := registry.Load(path)
			if err != nil {
				if !os.IsNotExist(err) {
					return fmt.Errorf("failed to load workflow file: %w", err)
				}
				f = &registry.WorkflowFile{}
			}
			if instruction == "" {
				instruction = "Produce " + strings.Join(produces, ", ") + " for the business."
			}
			f.Workflows = append(f.Workflows, models.WorkflowDefinition{
				Name:        args[0],
				Description: description,
				Inputs:      inputs,
				Steps: []models.StepDescriptor{{
					Name:           args[0] + "-draft",
					Kind:           models.StepKindGenerate,
					Instruction:    instruction,
					RequiredInputs: inputs,
					Produces:       produces,
				}},
			})

			if _, err := newRegistry(f.Workflows); err != nil {
				return err
			}
			if err := registry.Save(f, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added workflow: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", defaultWorkflowFile, "workflow file to update")
	cmd.Flags().StringVar(&description, "description", "", "workflow description")
	cmd.Flags().StringSliceVar(&inputs, "inputs", []string{"businessName"}, "required request keys")
	cmd.Flags().StringSliceVar(&produces, "produces", []string{"draft"}, "keys the step produces")
	cmd.Flags().StringVar(&instruction, "instruction", "", "generation instruction")
	return cmd
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [chunks.json]",
		Short: "Embed and upsert context chunks into the configured vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chunks []models.ContextChunk
			if err := readJSON(args[0], &chunks); err != nil {
				return err
			}
			if len(chunks) == 0 {
				return fmt.Errorf("%s holds no chunks", args[0])
			}

			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			client, err := genai.NewClient(env.cfg.GenAI, env.cfg.Embedding.Dimension, env.log)
			if err != nil {
				return err
			}
			engine := retrieval.NewEngine(client, env.store, env.cfg.Retrieval, env.log)
			if err := engine.Index(cmd.Context(), chunks); err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d chunk(s) into %s.\n", len(chunks), env.store.Name())
			return nil
		},
	}
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var businessID string
	cmd := &cobra.Command{
		Use:   "purge [chunk-id...]",
		Short: "Delete chunks owned by a business",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessID == "" {
				return fmt.Errorf("--business is required")
			}
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.store.Delete(cmd.Context(), businessID, args); err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d chunk id(s) for %s.\n", len(args), businessID)
			return nil
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "owning business id")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [workflow] [request.json]",
		Short: "Print the cache fingerprint of a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.ExecutionRequest
			if err := readJSON(args[1], &req); err != nil {
				return err
			}
			fp, err := orchestrator.FingerprintOf(args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
	return cmd
}

func loadRegistry(path string) (*workflow.Registry, error) {
	extra, err := registry.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	return newRegistry(extra)
}

func newRegistry(extra []models.WorkflowDefinition) (*workflow.Registry, error) {
	return workflow.New(append(workflow.Builtin(), extra...), workflow.WithTransforms(agent.DefaultTransforms().Names()...))
}

func readJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(io.LimitReader(f, 64<<20)).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// env is the config and vector store a data command runs against.
type env struct {
	cfg     *config.Config
	log     logger.Logger
	store   vectorstore.Store
	closers []func() error
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func openEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: logger.NewStructured("warn", "console", "stderr")}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	clients := vectorstore.Clients{}
	switch cfg.Vector.Provider {
	case config.ProviderRelational:
		pg, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pg.Close)
		if err := pg.Ping(ctx); err != nil {
			e.close()
			return nil, err
		}
		clients.Postgres = pg.DB
	case config.ProviderManagedIndex:
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return nil, err
		}
		clients.Elasticsearch = es.Client
	}

	store, err := vectorstore.New(ctx, cfg.Vector, cfg.Embedding.Dimension, clients, e.log)
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)
	return e, nil
}
