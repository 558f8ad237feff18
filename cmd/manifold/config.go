package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/TFMV/manifold/api"
	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the file and environment configuration of the command.
type Config struct {
	LLE    lle.Config        `mapstructure:"lle"`
	Server api.ServerOptions `mapstructure:"server"`
	Store  store.Config      `mapstructure:"store"`
}

// setDefaults registers every configuration key so environment variables
// such as MANIFOLD_LLE_N_NEIGHBORS are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	def := lle.DefaultConfig()
	v.SetDefault("lle.n_neighbors", def.NNeighbors)
	v.SetDefault("lle.out_dim", def.OutDim)
	v.SetDefault("lle.reg", def.Reg)
	v.SetDefault("lle.solver", string(def.Solver))
	v.SetDefault("lle.auto_dense_limit", def.AutoDenseLimit)
	v.SetDefault("lle.max_dense_points", def.MaxDensePoints)
	v.SetDefault("lle.tol", def.Tol)
	v.SetDefault("lle.max_iter", def.MaxIter)
	v.SetDefault("lle.seed", def.Seed)
	v.SetDefault("lle.workers", def.Workers)
	v.SetDefault("lle.neighbors.algorithm", string(def.Neighbors.Algorithm))
	v.SetDefault("lle.neighbors.distance", string(def.Neighbors.Distance))
	v.SetDefault("lle.neighbors.hnsw.m", def.Neighbors.HNSW.M)
	v.SetDefault("lle.neighbors.hnsw.ef_search", def.Neighbors.HNSW.EfSearch)

	srv := api.DefaultServerOptions()
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.prefork", srv.Prefork)
	v.SetDefault("server.rate_limit", srv.RateLimit)
	v.SetDefault("server.burst", srv.Burst)
	v.SetDefault("server.max_models", srv.MaxModels)
	v.SetDefault("server.body_limit", srv.BodyLimit)
	v.SetDefault("server.max_points", srv.MaxPoints)
	v.SetDefault("server.max_dense_points", srv.MaxDensePoints)

	st := store.DefaultConfig()
	v.SetDefault("store.connection_string", st.ConnectionString)
	v.SetDefault("store.table_prefix", st.TablePrefix)
	v.SetDefault("store.memory_limit", st.MemoryLimit)
	v.SetDefault("store.query_timeout", st.QueryTimeout)
}

// initConfig reads the config file and environment into v.
func initConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".manifold")
	}

	v.SetEnvPrefix("MANIFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	return nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// bindFlag binds a command flag to a configuration key.
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	cobra.CheckErr(v.BindPFlag(key, cmd.Flags().Lookup(flag)))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return config.Build()
}
