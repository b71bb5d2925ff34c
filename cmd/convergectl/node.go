package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/coord"
	"github.com/danmuck/convergectl/internal/coord/backend"
)

// withStore opens the host's coordination store for one command.
func withStore(ctx context.Context, hostFile string, fn func(ctx context.Context, store coord.Store) error) (err error) {
	host, err := config.LoadHost(hostFile)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, host.Coordination.Timeout+5*time.Second)
	defer cancel()
	store, err := backend.Open(ctx, host.Coordination)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()
	return fn(ctx, store)
}

func newNodeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect or change coordination nodes directly",
	}

	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a node's data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.hostFile, func(ctx context.Context, store coord.Store) error {
				if err := coord.ValidatePath(args[0]); err != nil {
					return err
				}
				data, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <path> <data>",
		Short: "Create or overwrite a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.hostFile, func(ctx context.Context, store coord.Store) error {
				return coord.Upsert(ctx, store, args[0], []byte(args[1]))
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <path> [data]",
		Short: "Create a node unless it exists",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			}
			return withStore(cmd.Context(), opts.hostFile, func(ctx context.Context, store coord.Store) error {
				created, err := coord.CreateIfMissing(ctx, store, args[0], data)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", args[0])
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a node; fails when it is absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.hostFile, func(ctx context.Context, store coord.Store) error {
				return coord.Delete(ctx, store, args[0])
			})
		},
	}

	cmd.AddCommand(get, set, create, del)
	return cmd
}
