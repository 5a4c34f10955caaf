// Package cli implements cachectl, the operator tool that curates the query
// cache.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/database"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
	"github.com/seanankenbruck/nl2sql-gateway/internal/safety"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

// Needs lists the collaborators a command uses
type Needs struct {
	Index bool
	Queue bool
}

// Env holds the collaborators commands operate on
type Env struct {
	Index     *semantic.Index
	Queue     *curation.Queue
	Validator *safety.Validator
	Migration database.MigrationConfig
	Logger    *observability.Logger
	Close     func()
}

// Opener builds an Env with at least the requested collaborators
type Opener func(ctx context.Context, needs Needs) (*Env, error)

// NewRootCmd assembles the cachectl command tree
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Curate the NL to SQL query cache",
		Long:          "cachectl manages the semantic query cache. Vetted pairs are added directly or promoted from candidates collected on cache misses.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newAddCmd(open),
		newImportCmd(open),
		newSearchCmd(open),
		newCandidatesCmd(open),
		newMigrateCmd(open),
	)
	return root
}

// withEnv opens the environment, runs fn as a logged operation and closes it
func withEnv(cmd *cobra.Command, open Opener, operation string, needs Needs, fn func(context.Context, *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := open(ctx, needs)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer env.Close()
	}

	logger := env.Logger
	if logger == nil {
		logger = observability.NewLogger("cachectl").WithOutput(cmd.ErrOrStderr())
	}
	return logger.WithOperation(ctx, operation, func(ctx context.Context) error {
		return fn(ctx, env)
	})
}

// vet rejects curated queries the gateway would refuse to execute
func vet(env *Env, query string) error {
	if env.Validator == nil {
		return nil
	}
	_, err := env.Validator.Validate(query)
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
