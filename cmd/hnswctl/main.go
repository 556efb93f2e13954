package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/hnswgraph/hnsw"
	"github.com/liliang-cn/hnswgraph/internal/sqlitestore"
)

var (
	dbPath     string
	dimensions int
	efQuery    int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "hnswctl",
	Short: "CLI tool for an HNSW approximate nearest-neighbor index",
	Long:  `A command-line interface for building and querying a SQLite-backed HNSW graph index.`,
}

var insertCmd = &cobra.Command{
	Use:   "insert <id>",
	Short: "Insert or update a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		vectorStr, _ := cmd.Flags().GetString("vector")
		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		eng, store, err := openEngine(len(vector))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := eng.Insert(ctx, id, vector); err != nil {
			return fmt.Errorf("insert failed: %w", err)
		}
		fmt.Printf("inserted %s\n", id)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the k nearest neighbors of a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		k, _ := cmd.Flags().GetInt("k")
		asJSON, _ := cmd.Flags().GetBool("json")

		eng, store, err := openEngine(len(vector))
		if err != nil {
			return err
		}
		defer store.Close()

		var ef *int
		if efQuery > 0 {
			ef = &efQuery
		}

		ctx := context.Background()
		results, err := eng.Query(ctx, vector, k, ef)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		for _, r := range results {
			fmt.Printf("%s\t%.6f\n", r.ID, r.Distance)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id> [id...]",
	Short: "Remove one or more vectors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, a := range args {
			id, err := uuid.Parse(a)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", a, err)
			}
			ids = append(ids, id)
		}

		eng, store, err := openEngine(dimensions)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if len(ids) == 1 {
			if err := eng.Remove(ctx, ids[0]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
		} else if err := eng.RemoveMany(ctx, ids); err != nil {
			return fmt.Errorf("batch delete failed: %w", err)
		}
		fmt.Printf("removed %d node(s)\n", len(ids))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show basic index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, store, err := openEngine(dimensions)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("nodes: %d\n", eng.Size())
		fmt.Printf("dimension: %d\n", eng.Dimension())
		p := eng.Params()
		fmt.Printf("M=%d MaxM=%d efConstruction=%d maxLayers=%d distance=%s\n",
			p.M, p.MaxM, p.EfConstruction, p.MaxLayers, p.DistanceFunctionName)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the graph state to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, store, err := openEngine(dimensions)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		state, err := eng.ExportState(ctx)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return fmt.Errorf("write state file: %w", err)
		}
		fmt.Printf("exported %d node(s) to %s\n", len(state.Nodes), args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import graph state from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read state file: %w", err)
		}
		var state hnsw.State
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("unmarshal state: %w", err)
		}

		eng, store, err := openEngine(state.VectorDimension)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := eng.ImportState(ctx, &state); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("imported %d node(s)\n", len(state.Nodes))
		return nil
	},
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("vector is required")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vec = append(vec, float32(val))
	}
	return vec, nil
}

// openEngine opens the SQLite-backed store at dbPath and wraps it in a new
// Engine of the given dimension. Every invocation reconstructs the engine
// fresh from durable storage, since hnswctl is a thin administrative tool
// rather than a long-running service.
func openEngine(dimension int) (*hnsw.Engine, *sqlitestore.Store, error) {
	if dbPath == "" {
		return nil, nil, fmt.Errorf("database path not specified")
	}
	if dimension <= 0 {
		dimension = dimensions
	}
	if dimension <= 0 {
		return nil, nil, fmt.Errorf("dimension must be specified via --dimensions or inferred from --vector")
	}

	store, err := sqlitestore.Open(sqlitestore.DefaultConfig(dbPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger := hnsw.NopLogger()
	if verbose {
		logger = hnsw.NewStdLogger(hnsw.LevelDebug)
	}

	eng, err := hnsw.NewEngine(dimension, store, store, hnsw.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to construct engine: %w", err)
	}
	return eng, store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "vectors.db", "Database file path")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 0, "Vector dimensions")
	rootCmd.PersistentFlags().IntVar(&efQuery, "ef", 0, "Query-time ef override (0 uses the index default)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	insertCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	insertCmd.MarkFlagRequired("vector")

	queryCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	queryCmd.Flags().Int("k", 10, "Number of results")
	queryCmd.Flags().Bool("json", false, "Output as JSON")
	queryCmd.MarkFlagRequired("vector")

	rootCmd.AddCommand(insertCmd, queryCmd, deleteCmd, statsCmd, exportCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
