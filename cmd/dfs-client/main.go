package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftfs/driftfs/internal/client"
	"github.com/driftfs/driftfs/internal/dfserr"
)

const (
	exitOK          = 0
	exitError       = 1
	exitNotFound    = 2
	exitUnavailable = 3
	exitCapacity    = 4
	exitTransient   = 5
)

var (
	nameNodeAddr string
	chunkSize    int64
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:           "dfs-client",
		Short:         "Store, fetch, and manage files in a DriftFS cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&nameNodeAddr, "namenode", envOr("DFS_NAMENODE_ADDR", "http://localhost:9400"), "namenode base URL")
	root.PersistentFlags().Int64Var(&chunkSize, "chunk-size", 64*1024*1024, "chunk size in bytes for uploads")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log client activity to stderr")

	root.AddCommand(putCmd(), getCmd(), lsCmd(), infoCmd(), rmCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newClient() *client.Client {
	logger := zerolog.Nop()
	if verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return client.New(nameNodeAddr, client.WithChunkSize(chunkSize), client.WithLogger(logger))
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file> <remote-path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if err := newClient().Put(cmd.Context(), args[1], f, info.Size()); err != nil {
				return err
			}
			fmt.Printf("stored %s as %s (%d bytes)\n", args[0], args[1], info.Size())
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> <local-file>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := newClient().Get(cmd.Context(), args[0], f); err != nil {
				f.Close()
				os.Remove(args[1])
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("fetched %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List files, optionally under a path prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			files, err := newClient().List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSIZE\tCHUNKS\tCREATED")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", f.Path, f.Size, f.ChunkCount, f.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <remote-path>",
		Short: "Show a file's chunk layout and replica health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("path:    %s\n", resp.File.Path)
			fmt.Printf("file id: %s\n", resp.File.FileID)
			fmt.Printf("size:    %d bytes in %d chunks\n", resp.File.Size, resp.File.ChunkCount)
			fmt.Printf("created: %s\n", resp.File.CreatedAt.Format("2006-01-02 15:04:05"))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tSIZE\tREPLICAS\tAVAILABLE")
			for _, c := range resp.Chunks {
				fmt.Fprintf(w, "%d\t%d\t%d\t%t\n", c.Index, c.Size, len(c.Replicas), c.Available)
			}
			return w.Flush()
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote-path>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cluster capacity and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("nodes:            %d active, %d suspect, %d dead\n", stats.ActiveNodes, stats.SuspectNodes, stats.DeadNodes)
			fmt.Printf("files:            %d (%d chunks)\n", stats.Files, stats.Chunks)
			fmt.Printf("capacity:         %d / %d bytes used\n", stats.UsedBytes, stats.TotalCapacityBytes)
			fmt.Printf("under-replicated: %d chunks\n", stats.UnderReplicated)
			return nil
		},
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, dfserr.ErrNotFound):
		return exitNotFound
	case errors.Is(err, dfserr.ErrDataUnavailable), errors.Is(err, dfserr.ErrCorrupt):
		return exitUnavailable
	case errors.Is(err, dfserr.ErrInsufficientNodes), errors.Is(err, dfserr.ErrInsufficientCapacity):
		return exitCapacity
	case errors.Is(err, dfserr.ErrTimeout):
		return exitTransient
	default:
		return exitError
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
