package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"distributed-ppo-rl/internal/checkpoint"
	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/config"
	"distributed-ppo-rl/internal/env"
	"distributed-ppo-rl/internal/metrics"
	"distributed-ppo-rl/internal/policy"
	"distributed-ppo-rl/internal/ppo"
)

var cfg = defaultConfig()

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ppo-worker",
	Short: "Run one PPO training worker",
	Long: `Runs one worker of a synchronous PPO job. Workers exchange gradients
through the reduce-server at --coordinator; start one process per rank.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := collective.NewClient(cfg.CoordinatorURL, cfg.Rank, cfg.WorldSize)
		if err != nil {
			return err
		}
		return runWorker(ctx, cfg, client)
	},
}

var localWorkers int

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run every worker in this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		c := cfg
		c.WorldSize = localWorkers
		groups := collective.NewLocal(localWorkers)

		var wg sync.WaitGroup
		errs := make([]error, localWorkers)
		for rank, group := range groups {
			wc := c
			wc.Rank = rank
			wg.Add(1)
			go func(rank int, group collective.Group) {
				defer wg.Done()
				if err := runWorker(ctx, wc, group); err != nil {
					errs[rank] = err
					cancel()
				}
			}(rank, group)
		}
		wg.Wait()

		for rank, err := range errs {
			if err != nil {
				return fmt.Errorf("worker %d: %w", rank, err)
			}
		}
		return nil
	},
}

var (
	plotOut   string
	plotRunID string
)

var plotCmd = &cobra.Command{
	Use:   "plot",
	Short: "Render the learning curve stored in --save-path",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := checkpoint.Open(cfg.SavePath, plotRunID)
		if err != nil {
			return err
		}
		defer store.Close()

		runID := plotRunID
		if runID == "" {
			if runID, err = store.LatestRunID(ctx); err != nil {
				return fmt.Errorf("find latest run: %w", err)
			}
		}
		points, err := store.Datapoints(ctx, runID)
		if err != nil {
			return err
		}
		if err := metrics.PlotCurve(points, "run "+runID, plotOut); err != nil {
			return err
		}
		klog.InfoS("learning curve written", "path", plotOut, "run", runID, "points", len(points))
		return nil
	},
}

func runWorker(ctx context.Context, cfg config.Config, group collective.Group) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ReduceTimeout > 0 {
		group = collective.WithTimeout(group, cfg.ReduceTimeout)
	}

	rank := int64(cfg.Rank)
	e := env.NewCartPole(cfg.NumEnvs, cfg.Seed*1000+rank)
	model, err := policy.NewLinear(ppo.PolicyConfig(cfg, e.ObsDim(), e.NumActions()), rand.New(rand.NewSource(cfg.Seed+rank)))
	if err != nil {
		return err
	}

	var store *checkpoint.Store
	if cfg.Rank == 0 && cfg.SavePath != "" {
		store, err = checkpoint.Open(cfg.SavePath, cfg.RunID)
		if err != nil {
			return err
		}
		defer store.Close()
		klog.InfoS("saving checkpoints", "path", cfg.SavePath, "run", store.RunID())
	}

	trainer, err := ppo.NewTrainer(cfg, e, model, group, store)
	if err != nil {
		return err
	}
	if err := trainer.Setup(ctx); err != nil {
		return err
	}
	klog.V(1).InfoS("worker started", "rank", cfg.Rank, "worldSize", cfg.WorldSize, "evalOnly", trainer.Engine.Averager.EvalOnly)

	_, err = trainer.Learn(ctx)
	return err
}

func defaultConfig() config.Config {
	c := config.Default()
	c.RunID = config.Getenv("RUN_ID", "")
	c.Seed = config.GetenvInt64("SEED", c.Seed)
	c.NumEnvs = config.GetenvInt("PPO_NUM_ENVS", c.NumEnvs)
	c.NSteps = config.GetenvInt("PPO_NUM_STEPS", c.NSteps)
	c.TotalTimesteps = config.GetenvInt64("PPO_TOTAL_TIMESTEPS", c.TotalTimesteps)
	c.Rank = config.GetenvInt("RANK", c.Rank)
	c.WorldSize = config.GetenvInt("WORLD_SIZE", c.WorldSize)
	c.EvalFraction = config.GetenvFloat("EVAL_FRACTION", c.EvalFraction)
	c.CoordinatorURL = config.Getenv("COORDINATOR_URL", c.CoordinatorURL)
	c.SavePath = config.Getenv("SAVE_PATH", c.SavePath)
	c.LoadPath = config.Getenv("LOAD_PATH", c.LoadPath)
	return c
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.RunID, "run-id", cfg.RunID, "Run identifier recorded with checkpoints (default: random)")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Base random seed")

	f.IntVar(&cfg.NumEnvs, "num-envs", cfg.NumEnvs, "Parallel environments per worker")
	f.IntVar(&cfg.NSteps, "nsteps", cfg.NSteps, "Rollout horizon per update")
	f.Int64Var(&cfg.TotalTimesteps, "total-timesteps", cfg.TotalTimesteps, "Timesteps per worker")
	f.Float64Var(&cfg.Gamma, "gamma", cfg.Gamma, "Discount factor")
	f.Float64Var(&cfg.Lambda, "lambda", cfg.Lambda, "GAE trace decay")

	f.IntVar(&cfg.NMinibatches, "nminibatches", cfg.NMinibatches, "Minibatches per epoch")
	f.IntVar(&cfg.NoptEpochs, "noptepochs", cfg.NoptEpochs, "Epochs per update")
	f.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Adam learning rate")
	f.StringVar(&cfg.LRSchedule, "lr-schedule", cfg.LRSchedule, "Learning-rate schedule: constant or linear")
	f.Float64Var(&cfg.ClipRange, "cliprange", cfg.ClipRange, "PPO clip range")
	f.StringVar(&cfg.ClipSchedule, "clip-schedule", cfg.ClipSchedule, "Clip-range schedule: constant or linear")
	f.Float64Var(&cfg.EntCoef, "ent-coef", cfg.EntCoef, "Entropy bonus coefficient")
	f.Float64Var(&cfg.VfCoef, "vf-coef", cfg.VfCoef, "Value loss coefficient")
	f.Float64Var(&cfg.L2Coef, "l2-coef", cfg.L2Coef, "L2 weight penalty on non-bias parameters")
	f.Float64Var(&cfg.MaxGradNorm, "max-grad-norm", cfg.MaxGradNorm, "Global gradient norm clip")

	f.Float64Var(&cfg.Beta, "beta", cfg.Beta, "Information-bottleneck loss coefficient")
	f.Float64Var(&cfg.ClusterCoef, "cluster-coef", cfg.ClusterCoef, "Sinkhorn cluster loss coefficient")
	f.Float64Var(&cfg.MYOWCoef, "myow-coef", cfg.MYOWCoef, "MYOW nearest-neighbour loss coefficient")
	f.Float64Var(&cfg.RepCoef, "rep-coef", cfg.RepCoef, "Contrastive replay loss coefficient")
	f.IntVar(&cfg.ReplaySteps, "replay-steps", cfg.ReplaySteps, "Length of each replayed contrastive sequence")
	f.IntVar(&cfg.Negatives, "negatives", cfg.Negatives, "Negative sequences per update")

	f.IntVar(&cfg.LatentDim, "latent-dim", cfg.LatentDim, "Latent code size")
	f.IntVar(&cfg.NumClusters, "clusters", cfg.NumClusters, "Number of prototypes")
	f.Float64Var(&cfg.SinkhornEpsilon, "sinkhorn-epsilon", cfg.SinkhornEpsilon, "Sinkhorn temperature")
	f.IntVar(&cfg.SinkhornIterations, "sinkhorn-iters", cfg.SinkhornIterations, "Sinkhorn normalization iterations")
	f.Float64Var(&cfg.Temperature, "temperature", cfg.Temperature, "Softmax temperature of the cluster and contrastive logits")
	f.IntVar(&cfg.Neighbors, "neighbors", cfg.Neighbors, "Nearest neighbours mined per sample for MYOW")

	f.IntVar(&cfg.Rank, "rank", cfg.Rank, "Rank of this worker")
	f.IntVar(&cfg.WorldSize, "world-size", cfg.WorldSize, "Number of workers")
	f.Float64Var(&cfg.EvalFraction, "eval-fraction", cfg.EvalFraction, "Fraction of workers that only evaluate")
	f.BoolVar(&cfg.SyncFromRoot, "sync-from-root", cfg.SyncFromRoot, "Start every worker from rank 0's parameters")
	f.StringVar(&cfg.CoordinatorURL, "coordinator", cfg.CoordinatorURL, "Base URL of the reduce-server")
	f.DurationVar(&cfg.ReduceTimeout, "reduce-timeout", cfg.ReduceTimeout, "Fail a collective call after this long (0 waits forever)")

	f.StringVar(&cfg.SavePath, "save-path", cfg.SavePath, "SQLite checkpoint database written by rank 0")
	f.StringVar(&cfg.LoadPath, "load-path", cfg.LoadPath, "SQLite checkpoint database to start from")
	f.Int64Var(&cfg.RestoreStep, "restore-step", cfg.RestoreStep, "Timestep the loaded checkpoint was taken at")
	f.IntVar(&cfg.LogInterval, "log-interval", cfg.LogInterval, "Updates between progress reports")
	f.IntVar(&cfg.SaveInterval, "save-interval", cfg.SaveInterval, "Updates between checkpoints (0 saves only at milestones and the end)")
	f.Int64SliceVar(&cfg.KeyCheckpoints, "key-checkpoints", cfg.KeyCheckpoints, "Timesteps at which a named checkpoint is kept")

	localCmd.Flags().IntVar(&localWorkers, "workers", config.GetenvInt("LOCAL_WORKERS", 2), "In-process workers")
	rootCmd.AddCommand(localCmd)

	plotCmd.Flags().StringVarP(&plotOut, "out", "o", "learning_curve.png", "Output image")
	plotCmd.Flags().StringVar(&plotRunID, "run", "", "Run to plot (default: latest)")
	rootCmd.AddCommand(plotCmd)
}
