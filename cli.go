package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flux-ledger",
		Short:         "Shared-state coordinator for the multi-room time travel game",
		Long:          "flux-ledger keeps per-room and global game counters in one store and pushes every change to connected viewers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		newServeCmd(),
		newRoomsCmd(),
		newStatusCmd(),
		newSweepCmd(),
		newResetCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing: shutdown: %v", err)
		}
	}()

	graph, err := loadMilestoneGraph(cfg.MilestonesFile)
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	hub := newNotifyHub(cfg.NotifyBuffer)
	coord := newCoordinator(kv, graph, hub, newRandChooser(time.Now().UnixNano()))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(coord, hub, cfg.AdminToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on http://localhost%s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withCoordinator opens the configured store for a one-shot command.
// Notifications from these commands are only logged; connected viewers do
// not see them.
func withCoordinator(cmd *cobra.Command, fn func(ctx context.Context, c *Coordinator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	graph, err := loadMilestoneGraph(cfg.MilestonesFile)
	if err != nil {
		return err
	}
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, newCoordinator(kv, graph, logPublisher{}, newRandChooser(time.Now().UnixNano())))
}

func newRoomsCmd() *cobra.Command {
	rooms := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms",
	}
	rooms.AddCommand(&cobra.Command{
		Use:   "add",
		Short: "Create a room with the next free id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *Coordinator) error {
				id, err := c.CreateRoom(ctx, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created room %d\n", id)
				return nil
			})
		},
	})
	rooms.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *Coordinator) error {
				ids, err := c.ListRooms(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	})
	return rooms
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print global counters and per-room flow values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *Coordinator) error {
				g, err := c.Globals(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "cycle=%d depletion=%d reserve=%d consequences=%t victory=%t\n",
					g.Cycle, g.Depletion, g.Reserve, g.ConsequencesCompleted, g.Victory)
				for _, id := range g.Rooms {
					view, err := c.RoomView(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "room %d:", id)
					for _, era := range Eras {
						fmt.Fprintf(out, " %s flow=%d depletion=%d reserve=%d biff=%d locked=%t;",
							era, view.Flow[era], view.Depletion[era], view.Reserve[era], view.BiffDefeats[era], view.BiffLocked[era])
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the flow rebalancing over every room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *Coordinator) error {
				res, err := c.SweepFlow(ctx, true)
				if err != nil {
					return err
				}
				for _, ch := range res.Changes {
					fmt.Fprintf(cmd.OutOrStdout(), "room %d %s: %d -> %d\n", ch.RoomID, ch.Era, ch.From, ch.To)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d flow values changed\n", len(res.Changes))
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var cycleOnly bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every room and the global counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, func(ctx context.Context, c *Coordinator) error {
				if cycleOnly {
					g, err := c.ResetCycle(ctx, true)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cycle reset to %d\n", g.Cycle)
					return nil
				}
				removed, err := c.ResetAll(ctx, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d rooms\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cycleOnly, "cycle", false, "only return to cycle 1 and zero depletion")
	return cmd
}
