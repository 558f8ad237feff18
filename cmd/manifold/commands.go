package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/manifold/api"
	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/loader"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/pipeline"
	"github.com/TFMV/manifold/pkg/metrics"
	"github.com/TFMV/manifold/store"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// cli carries the state shared by every subcommand.
type cli struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	setDefaults(c.v)

	rootCmd := &cobra.Command{
		Use:   "manifold",
		Short: "Manifold - locally linear embedding",
		Long: `Manifold computes locally linear embeddings of point clouds and
serves fitted models over HTTP.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(c.v, c.cfgFile); err != nil {
				return err
			}
			if c.logger != nil {
				return nil
			}
			logger, err := newLogger(c.verbose)
			if err != nil {
				return fmt.Errorf("error setting up logger: %w", err)
			}
			c.logger = logger
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.manifold.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(c.embedCmd(), c.evaluateCmd(), c.serveCmd(), c.runsCmd(), solversCmd(), versionCmd())
	return rootCmd
}

// addModelFlags registers the estimator flags shared by embed and evaluate.
func (c *cli) addModelFlags(cmd *cobra.Command) {
	def := lle.DefaultConfig()
	cmd.Flags().IntP("neighbors", "k", def.NNeighbors, "number of neighbors")
	cmd.Flags().IntP("dim", "d", def.OutDim, "embedding dimension")
	cmd.Flags().Float64("reg", def.Reg, "regularization of the local systems")
	cmd.Flags().String("solver", string(def.Solver), "eigensolver (auto, dense, shift-invert, lobpcg)")
	cmd.Flags().String("algorithm", string(def.Neighbors.Algorithm), "neighbor index (exact, hnsw)")
	cmd.Flags().String("distance", string(def.Neighbors.Distance), "distance for the exact index")
}

func (c *cli) bindModelFlags(cmd *cobra.Command) {
	bindFlag(c.v, cmd, "lle.n_neighbors", "neighbors")
	bindFlag(c.v, cmd, "lle.out_dim", "dim")
	bindFlag(c.v, cmd, "lle.reg", "reg")
	bindFlag(c.v, cmd, "lle.solver", "solver")
	bindFlag(c.v, cmd, "lle.neighbors.algorithm", "algorithm")
	bindFlag(c.v, cmd, "lle.neighbors.distance", "distance")
}

func (c *cli) embedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed INPUT",
		Short: "Embed a point cloud",
		Long: `Fit a locally linear embedding to INPUT and write the embedded points.
INPUT is a .parquet, .csv, .json or .ndjson file, or a directory of them.
The output format follows the --output extension (.parquet, .arrow or .json);
without --output the embedding is written to stdout as JSON.`,
		Args: cobra.ExactArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			c.bindModelFlags(cmd)
			bindFlag(c.v, cmd, "store.connection_string", "store")
		},
		RunE: c.runEmbed,
	}
	c.addModelFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "output file")
	cmd.Flags().String("store", "", "DuckDB file recording the run")
	return cmd
}

func (c *cli) runEmbed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(c.v)
	if err != nil {
		return err
	}
	data, err := loader.LoadDataset(args[0], c.logger)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}

	cfg.LLE.Logger = c.logger
	estimator, err := lle.New(cfg.LLE)
	if err != nil {
		return err
	}
	embedding, err := estimator.FitTransform(data.Points)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if err := writeEmbedding(cmd.OutOrStdout(), output, data, embedding); err != nil {
		return err
	}
	model, err := estimator.Model()
	if err != nil {
		return err
	}
	if cfg.Store.ConnectionString != "" {
		if err := c.recordRun(cmd.Context(), cfg.Store, args[0], model, data, embedding); err != nil {
			return err
		}
	}
	printSummary(cmd.ErrOrStderr(), model)
	return nil
}

func (c *cli) recordRun(ctx context.Context, config store.Config, source string, model *lle.Model, data *loader.Dataset, embedding *mat.Dense) error {
	config.Logger = c.logger
	s, err := store.Open(config)
	if err != nil {
		return err
	}
	defer s.Close()

	run := store.NewRun(source, model)
	if err := s.SaveRun(ctx, run, data.IDs, embedding, data.Labels); err != nil {
		return err
	}
	c.logger.Info("Recorded run", zap.String("id", run.ID.String()), zap.String("store", config.ConnectionString))
	return nil
}

func (c *cli) runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect embedding runs recorded in a DuckDB store",
	}
	cmd.PersistentFlags().String("store", "", "DuckDB file holding the runs")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.openStore(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			runs, err := s.ListRuns(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Created", "Source", "Points", "Dim", "Solver", "Error"})
			table.SetBorder(false)
			for _, r := range runs {
				table.Append([]string{
					r.ID.String(),
					r.CreatedAt.Format(time.RFC3339),
					r.Source,
					fmt.Sprint(r.NPoints),
					fmt.Sprintf("%d->%d", r.InputDim, r.OutDim),
					r.Solver,
					fmt.Sprintf("%.4g", r.ReconstructionError),
				})
			}
			table.Render()
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Write the embedding of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			s, err := c.openStore(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			ids, embedding, labels, err := s.LoadEmbedding(cmd.Context(), id)
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			return writeEmbedding(cmd.OutOrStdout(), output, &loader.Dataset{IDs: ids, Points: embedding, Labels: labels}, embedding)
		},
	}
	export.Flags().StringP("output", "o", "", "output file")

	remove := &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			s, err := c.openStore(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.DeleteRun(cmd.Context(), id)
		},
	}

	cmd.AddCommand(list, export, remove)
	return cmd
}

func (c *cli) openStore(cmd *cobra.Command, readOnly bool) (*store.Store, error) {
	bindFlag(c.v, cmd, "store.connection_string", "store")
	cfg, err := loadConfig(c.v)
	if err != nil {
		return nil, err
	}
	if cfg.Store.ConnectionString == "" {
		return nil, errors.New("no store configured, pass --store or set store.connection_string")
	}
	cfg.Store.ReadOnly = readOnly
	cfg.Store.Logger = c.logger
	return store.Open(cfg.Store)
}

// writeEmbedding writes one record per embedded point. An empty path writes
// JSON to w.
func writeEmbedding(w io.Writer, path string, data *loader.Dataset, embedding *mat.Dense) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".parquet":
		return loader.WriteParquetFile(path, data.IDs, embedding, data.Labels)
	case ".arrow", ".ipc":
		return loader.WriteArrowFile(path, data.IDs, embedding, data.Labels)
	}
	if path != "" && ext != ".json" {
		return fmt.Errorf("%w: %s", loader.ErrUnsupportedFormat, path)
	}

	records := make([]loader.Record, len(data.IDs))
	for i, id := range data.IDs {
		records[i] = loader.Record{ID: id, Vector: mat.Row(nil, i, embedding)}
		if data.Labels != nil {
			label := data.Labels[i]
			records[i].Label = &label
		}
	}
	raw, err := sonic.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	if path == "" {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func printSummary(w io.Writer, model *lle.Model) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.SetColumnSeparator(" | ")
	table.Append([]string{"points", fmt.Sprint(model.Len())})
	table.Append([]string{"input dim", fmt.Sprint(model.InputDim())})
	table.Append([]string{"output dim", fmt.Sprint(model.OutDim())})
	table.Append([]string{"neighbors", fmt.Sprint(model.NNeighbors())})
	table.Append([]string{"solver", string(model.Solver())})
	table.Append([]string{"iterations", fmt.Sprint(model.Iterations())})
	table.Append([]string{"reconstruction error", fmt.Sprintf("%.6g", model.ReconstructionError())})
	table.Append([]string{"eigenvalues", fmt.Sprintf("%.4g", model.Eigenvalues())})
	table.Render()
}

func (c *cli) evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate INPUT",
		Short: "Score a kNN classifier on the embedding of a labeled dataset",
		Long: `Hold out every n-th labeled point of INPUT, fit an embedding followed by a
k-nearest-neighbors classifier on the rest, and report held-out accuracy.`,
		Args: cobra.ExactArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			c.bindModelFlags(cmd)
		},
		RunE: c.runEvaluate,
	}
	c.addModelFlags(cmd)
	cmd.Flags().Int("classifier-k", 5, "neighbors of the classifier")
	cmd.Flags().Int("holdout", 5, "hold out every n-th point")
	return cmd
}

func (c *cli) runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(c.v)
	if err != nil {
		return err
	}
	classifierK, _ := cmd.Flags().GetInt("classifier-k")
	holdout, _ := cmd.Flags().GetInt("holdout")
	if holdout < 2 {
		return fmt.Errorf("holdout must be at least 2, got %d", holdout)
	}

	data, err := loader.LoadDataset(args[0], c.logger)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	if data.Labels == nil {
		return fmt.Errorf("%s: every record needs a label to evaluate", args[0])
	}
	trainX, trainY, testX, testY := split(data, holdout)
	if len(testY) == 0 {
		return fmt.Errorf("%s: too few points to hold out every %d-th", args[0], holdout)
	}

	cfg.LLE.Logger = c.logger
	estimator, err := lle.New(cfg.LLE)
	if err != nil {
		return err
	}
	p := pipeline.New(estimator, neighbors.NewKNeighborsClassifier(classifierK), c.logger)
	if err := p.Fit(trainX, trainY); err != nil {
		return err
	}
	score, err := p.Score(testX, testY)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"train points", fmt.Sprint(len(trainY))})
	table.Append([]string{"test points", fmt.Sprint(len(testY))})
	table.Append([]string{"accuracy", fmt.Sprintf("%.4f", score)})
	table.Render()
	return nil
}

// split holds out every n-th row of data.
func split(data *loader.Dataset, n int) (trainX *mat.Dense, trainY []int, testX *mat.Dense, testY []int) {
	rows, dim := data.Points.Dims()
	var train, test []float64
	for i := 0; i < rows; i++ {
		if i%n == n-1 {
			test = append(test, data.Points.RawRowView(i)...)
			testY = append(testY, data.Labels[i])
		} else {
			train = append(train, data.Points.RawRowView(i)...)
			trainY = append(trainY, data.Labels[i])
		}
	}
	trainX = mat.NewDense(len(trainY), dim, train)
	if len(testY) > 0 {
		testX = mat.NewDense(len(testY), dim, test)
	}
	return trainX, trainY, testX, testY
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlag(c.v, cmd, "server.port", "port")
			bindFlag(c.v, cmd, "server.rate_limit", "rate-limit")
			bindFlag(c.v, cmd, "server.max_models", "max-models")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.v)
			if err != nil {
				return err
			}
			noMetrics, _ := cmd.Flags().GetBool("no-metrics")
			var collector *metrics.Collector
			if !noMetrics {
				collector = metrics.NewCollector(true)
			}
			c.logger.Info("Starting manifold server",
				zap.String("port", cfg.Server.Port),
				zap.Int("n_neighbors", cfg.LLE.NNeighbors),
				zap.Int("out_dim", cfg.LLE.OutDim),
				zap.String("solver", string(cfg.LLE.Solver)),
			)
			server := api.NewServer(cfg.Server, cfg.LLE, collector, c.logger)
			return server.Start()
		},
	}
	srv := api.DefaultServerOptions()
	cmd.Flags().String("port", srv.Port, "server port")
	cmd.Flags().Float64("rate-limit", srv.RateLimit, "requests per second per client, 0 disables")
	cmd.Flags().Int("max-models", srv.MaxModels, "maximum number of stored models")
	cmd.Flags().Bool("no-metrics", false, "disable the prometheus collector")
	return cmd
}

func solversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solvers",
		Short: "List eigensolver strategies",
		Run: func(cmd *cobra.Command, args []string) {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Strategy", "Available"})
			table.SetBorder(false)
			for _, s := range []eigen.Strategy{eigen.Auto, eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG} {
				available := s == eigen.Auto || eigen.IsAvailable(s)
				table.Append([]string{string(s), fmt.Sprint(available)})
			}
			table.Render()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "manifold %s (built %s)\n", Version, BuildDate)
		},
	}
}
