package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"distributed-ppo-rl/internal/collective"
	"distributed-ppo-rl/internal/config"
)

const defaultPort = "9100"

var (
	port      string
	worldSize int
)

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reduce-server",
	Short: "Coordinate all-reduce and broadcast rounds between PPO workers",
	Long: `Serves the collective operations of a synchronous PPO job. Each round
completes once every one of --world-size ranks has contributed to it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := collective.NewServer(worldSize)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              ":" + port,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				klog.ErrorS(err, "shutdown")
			}
		}()

		klog.InfoS("reduce server listening", "addr", server.Addr, "worldSize", worldSize)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.Flags().StringVarP(&port, "port", "p", config.Getenv("PORT", defaultPort), "Port to listen on")
	rootCmd.Flags().IntVarP(&worldSize, "world-size", "n", config.GetenvInt("WORLD_SIZE", 1), "Number of workers per round")
}
