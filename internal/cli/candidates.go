package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/nl2sql-gateway/internal/curation"
	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

// ApproveResult reports what approving a candidate did to the cache
type ApproveResult struct {
	CandidateID string               `json:"candidate_id"`
	Entry       *semantic.CacheEntry `json:"entry,omitempty"`
	Duplicate   bool                 `json:"duplicate"`
}

func newCandidatesCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "candidates",
		Aliases: []string{"cand"},
		Short:   "Review pairs collected from cache misses",
	}
	cmd.AddCommand(
		newCandidatesListCmd(open),
		newCandidatesApproveCmd(open),
		newCandidatesRejectCmd(open),
	)
	return cmd
}

func newCandidatesListCmd(open Opener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending candidates, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, "candidates_list", Needs{Queue: true}, func(ctx context.Context, env *Env) error {
				candidates, err := env.Queue.List(ctx, limit)
				if err != nil {
					return err
				}
				if candidates == nil {
					candidates = []curation.Candidate{}
				}
				return printJSON(cmd.OutOrStdout(), candidates)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of candidates")
	return cmd
}

func newCandidatesApproveCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Promote a candidate into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, "candidates_approve", Needs{Index: true, Queue: true}, func(ctx context.Context, env *Env) error {
				result, err := approve(ctx, env, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	return cmd
}

// approve stores the candidate and drops it from the queue. A pair that is
// already cached is dropped as well.
func approve(ctx context.Context, env *Env, id string) (*ApproveResult, error) {
	candidate, err := env.Queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := vet(env, candidate.Query); err != nil {
		return nil, err
	}

	result := &ApproveResult{CandidateID: id}
	entry, err := env.Index.Store(ctx, semantic.StoreRequest{
		Question: candidate.Question,
		Query:    candidate.Query,
		Scope:    candidate.Scope,
	})
	switch {
	case err == nil:
		result.Entry = entry
	case errors.IsKind(err, errors.KindDuplicateEntry):
		result.Duplicate = true
	default:
		return nil, err
	}

	if err := env.Queue.Remove(ctx, id); err != nil {
		return nil, fmt.Errorf("entry stored but candidate %s was not removed: %w", id, err)
	}
	return result, nil
}

func newCandidatesRejectCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Discard a candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, "candidates_reject", Needs{Queue: true}, func(ctx context.Context, env *Env) error {
				if err := env.Queue.Remove(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", args[0])
				return err
			})
		},
	}
	return cmd
}
