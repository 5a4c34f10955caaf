package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

// ImportFile is the YAML layout accepted by cachectl import
type ImportFile struct {
	Scope   string                  `yaml:"scope,omitempty"`
	Entries []semantic.StoreRequest `yaml:"entries"`
}

// ImportResult summarises an import run
type ImportResult struct {
	Imported   int      `json:"imported"`
	Duplicates int      `json:"duplicates"`
	Rejected   []string `json:"rejected,omitempty"`
}

func newAddCmd(open Opener) *cobra.Command {
	var question, query, scope string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a vetted question/query pair to the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, "cache_add", Needs{Index: true}, func(ctx context.Context, env *Env) error {
				if err := vet(env, query); err != nil {
					return err
				}
				entry, err := env.Index.Store(ctx, semantic.StoreRequest{Question: question, Query: query, Scope: scope})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", "", "natural-language question")
	cmd.Flags().StringVar(&query, "query", "", "SQL that answers the question")
	cmd.Flags().StringVarP(&scope, "scope", "s", "", "optional scope tag")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newImportCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import curated entries from a YAML file",
		Long:  "Import curated entries from a YAML file with an 'entries' list of question/query/scope items. A top-level 'scope' applies to entries without one. Existing pairs are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := readImportFile(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, open, "cache_import", Needs{Index: true}, func(ctx context.Context, env *Env) error {
				result, err := importEntries(ctx, env, file)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	return cmd
}

func readImportFile(path string) (*ImportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	return parseImportFile(data)
}

func parseImportFile(data []byte) (*ImportFile, error) {
	var file ImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}
	if len(file.Entries) == 0 {
		return nil, errors.NewInvalidInputError("entries", "import file contains no entries")
	}
	for i := range file.Entries {
		if file.Entries[i].Scope == "" {
			file.Entries[i].Scope = file.Scope
		}
	}
	return &file, nil
}

// importEntries stores every entry, skipping duplicates. Entries that fail
// validation are reported and the rest are still imported.
func importEntries(ctx context.Context, env *Env, file *ImportFile) (*ImportResult, error) {
	result := &ImportResult{}
	for i, req := range file.Entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		label := fmt.Sprintf("entry %d (%s)", i+1, strings.TrimSpace(req.Question))
		if err := vet(env, req.Query); err != nil {
			result.Rejected = append(result.Rejected, fmt.Sprintf("%s: %s", label, reason(err)))
			continue
		}

		_, err := env.Index.Store(ctx, req)
		switch {
		case err == nil:
			result.Imported++
		case errors.IsKind(err, errors.KindDuplicateEntry):
			result.Duplicates++
		case errors.IsKind(err, errors.KindInvalidInput):
			result.Rejected = append(result.Rejected, fmt.Sprintf("%s: %s", label, reason(err)))
		default:
			return result, err
		}
	}
	return result, nil
}

func newSearchCmd(open Opener) *cobra.Command {
	var scope string
	var topK int

	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Show the cache entries closest to a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withEnv(cmd, open, "cache_search", Needs{Index: true}, func(ctx context.Context, env *Env) error {
				matches, err := env.Index.Search(ctx, question, topK, scope)
				if err != nil {
					return err
				}
				if matches == nil {
					matches = []semantic.Match{}
				}
				return printJSON(cmd.OutOrStdout(), matches)
			})
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "restrict to a scope")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 3, "number of matches")
	return cmd
}

func reason(err error) string {
	if enhanced, ok := errors.As(err); ok && enhanced.Details != "" {
		return enhanced.Details
	}
	return err.Error()
}
