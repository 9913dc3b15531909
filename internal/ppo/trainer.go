package ppo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"k8s.io/klog/v2"

	"distributed-ppo-rl/internal/checkpoint"
	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/config"
	"distributed-ppo-rl/internal/env"
	"distributed-ppo-rl/internal/metrics"
	"distributed-ppo-rl/internal/optim"
	"distributed-ppo-rl/internal/policy"
	"distributed-ppo-rl/internal/rollout"
	"distributed-ppo-rl/internal/sinkhorn"
)

// PolicyConfig derives the reference model's configuration from a run
// configuration.
func PolicyConfig(cfg config.Config, obsDim, numActions int) policy.Config {
	pc := policy.DefaultConfig(obsDim, numActions)
	pc.LatentDim = cfg.LatentDim
	pc.NumClusters = cfg.NumClusters
	pc.Sinkhorn = sinkhorn.Config{Epsilon: cfg.SinkhornEpsilon, Iterations: cfg.SinkhornIterations}
	pc.Temperature = cfg.Temperature
	pc.Neighbors = cfg.Neighbors
	return pc
}

// Trainer runs one worker's side of a synchronous training job. Every
// worker of the group runs the same Learn loop; only the worker with a
// Store writes checkpoints.
type Trainer struct {
	Config config.Config
	Model  Model
	Group  collective.Group
	Runner *rollout.Runner
	Engine *Engine
	// Store is nil on workers that do not save.
	Store *checkpoint.Store

	LR   Schedule
	Clip Schedule
}

func NewTrainer(cfg config.Config, e env.VecEnv, model Model, group collective.Group, store *checkpoint.Store) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rank := int64(group.Rank())

	runner, err := rollout.NewRunner(e, model, cfg.NSteps, cfg.Gamma, cfg.Lambda, rand.New(rand.NewSource(cfg.Seed+rank)))
	if err != nil {
		return nil, err
	}
	if cfg.RepCoef != 0 {
		runner.ReplaySteps = cfg.ReplaySteps
		runner.Negatives = cfg.Negatives
	}

	averager, err := optim.NewAverager(group, cfg.IsEvalRank(group.Rank()), cfg.ActualEvalFraction())
	if err != nil {
		return nil, err
	}
	lr, err := ScheduleByName(cfg.LRSchedule, cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	clip, err := ScheduleByName(cfg.ClipSchedule, cfg.ClipRange)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		Config: cfg,
		Model:  model,
		Group:  group,
		Runner: runner,
		Engine: NewEngine(model, averager, cfg, rand.New(rand.NewSource(cfg.Seed^(rank+1)<<20))),
		Store:  store,
		LR:     lr,
		Clip:   clip,
	}, nil
}

func (t *Trainer) root() bool {
	return t.Group.Rank() == 0
}

// Setup loads parameters from LoadPath when set and, with SyncFromRoot,
// makes every worker start from rank 0's parameters.
func (t *Trainer) Setup(ctx context.Context) error {
	set := t.Model.Params()
	if t.root() {
		total := 0
		for _, p := range set.List() {
			klog.V(1).InfoS("param", "name", p.Name, "shape", p.Shape, "count", p.Len())
			total += p.Len()
		}
		klog.InfoS("model built", "params", len(set.List()), "total", total)
	}

	if t.Config.LoadPath != "" {
		store, err := checkpoint.Open(t.Config.LoadPath, "")
		if err != nil {
			return fmt.Errorf("open %s: %w", t.Config.LoadPath, err)
		}
		info, err := store.LoadLatest(ctx, set)
		store.Close()
		if err != nil {
			return fmt.Errorf("load %s: %w", t.Config.LoadPath, err)
		}
		if t.root() {
			klog.InfoS("loaded checkpoint", "path", t.Config.LoadPath, "id", info.ID, "run", info.RunID, "update", info.Update)
		}
	}

	if t.Config.SyncFromRoot {
		if err := optim.SyncFromRoot(ctx, t.Group, set); err != nil {
			return err
		}
	}
	return nil
}

// Learn runs the updates left after RestoreStep and returns the mean
// episode reward at every log interval.
func (t *Trainer) Learn(ctx context.Context) ([]float64, error) {
	cfg := t.Config
	nbatch := cfg.NBatch()
	nupdates := cfg.NUpdates()

	recent := metrics.NewEpisodeWindow(10)
	window := metrics.NewEpisodeWindow(100)
	keySaved := make([]bool, len(cfg.KeyCheckpoints))
	var meanRewards []float64
	var runTotal, trainTotal time.Duration
	firstStart := time.Now()

	startUpdate := int(cfg.RestoreStep / int64(nbatch))
	for update := startUpdate + 1; update <= nupdates; update++ {
		start := time.Now()
		frac := remaining(update, nupdates)
		lrNow, clipNow := t.LR(frac), t.Clip(frac)

		klog.V(2).InfoS("collecting rollouts", "rank", t.Group.Rank(), "update", update)
		batch, contrastive, epinfos, err := t.Runner.Run(ctx)
		if err != nil {
			return meanRewards, fmt.Errorf("update %d rollout: %w", update, err)
		}
		recent.Extend(epinfos)
		window.Extend(epinfos)
		runElapsed := time.Since(start)
		runTotal += runElapsed

		trainStart := time.Now()
		stats, err := t.Engine.Update(ctx, batch, contrastive, lrNow, clipNow)
		if err != nil {
			return meanRewards, fmt.Errorf("update %d train: %w", update, err)
		}
		trainTotal += time.Since(trainStart)

		step := int64(update) * int64(nbatch)
		if update%cfg.LogInterval == 0 || update == 1 {
			rewMean := window.RewardMean()
			meanRewards = append(meanRewards, rewMean)
			if t.Store != nil && !math.IsNaN(rewMean) {
				if err := t.Store.AppendDatapoint(ctx, step, rewMean); err != nil {
					return meanRewards, err
				}
			}
			if t.root() {
				t.report(update, step, time.Since(start), stats, recent, window, firstStart, runTotal, trainTotal, lrNow, clipNow)
			}
		}

		if t.Store != nil {
			if cfg.SaveInterval > 0 && update%cfg.SaveInterval == 0 {
				if err := t.save(ctx, "", update, step); err != nil {
					return meanRewards, err
				}
			}
			for j, milestone := range cfg.KeyCheckpoints {
				if !keySaved[j] && step >= milestone {
					keySaved[j] = true
					if err := t.save(ctx, milestoneName(milestone), update, step); err != nil {
						return meanRewards, err
					}
				}
			}
		}
	}

	if t.Store != nil {
		if err := t.save(ctx, "", nupdates, int64(nupdates)*int64(nbatch)); err != nil {
			return meanRewards, err
		}
	}
	return meanRewards, nil
}

func (t *Trainer) report(update int, step int64, elapsed time.Duration, stats Stats, recent, window *metrics.EpisodeWindow,
	firstStart time.Time, runTotal, trainTotal time.Duration, lr, clip float64) {
	fps := int(float64(t.Config.NBatch()) / elapsed.Seconds())
	klog.InfoS("update",
		"update", update,
		"timesteps", step,
		"totalTimesteps", t.Config.TotalTimesteps,
		"fps", fps,
		"eprewmean", window.RewardMean(),
		"eplenmean", window.LengthMean(),
		"episodes", window.Len(),
		"lr", lr,
		"cliprange", clip,
		"elapsed", time.Since(firstStart).Round(time.Millisecond),
		"rolloutTime", runTotal.Round(time.Millisecond),
		"trainTime", trainTotal.Round(time.Millisecond),
	)
	klog.InfoS("losses", stats.KeysAndValues()...)
	klog.V(1).InfoS("recent episodes", "rewards", recent.Rewards())

	if ps, err := metrics.CurrentProcess(); err != nil {
		klog.V(1).InfoS("process stats unavailable", "err", err)
	} else {
		klog.V(1).InfoS("process", ps.KeysAndValues()...)
	}
}

func (t *Trainer) save(ctx context.Context, name string, update int, step int64) error {
	info, err := t.Store.Save(ctx, name, update, step, t.Model.Params())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	klog.InfoS("saved checkpoint", "id", info.ID, "name", name, "update", update, "step", step)
	return nil
}

// milestoneName labels key checkpoints, e.g. 32000000 as "32M".
func milestoneName(step int64) string {
	if step >= 1_000_000 && step%1_000_000 == 0 {
		return fmt.Sprintf("%dM", step/1_000_000)
	}
	return fmt.Sprintf("%d", step)
}
