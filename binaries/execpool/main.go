package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/execd/execpool/common/errors"
	"github.com/execd/execpool/common/log/hooks"
	"github.com/execd/execpool/common/stats"
	"github.com/execd/execpool/config"
	"github.com/execd/execpool/observe"
	"github.com/execd/execpool/pool"
)

func main() {
	log.AddHook(hooks.NewContextHook())

	var logLevel string
	rootCmd := &cobra.Command{
		Use:   "execpool",
		Short: "execpool runs batches of external processes under memory and timeout budgets",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "Log everything at this level or above (error|info|debug)")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(statusCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(int(errors.CodeOf(err)))
	}
}

func runCommand() *cobra.Command {
	var timeoutS float64
	cmd := &cobra.Command{
		Use:   "run <pool.yaml>",
		Short: "Run the jobs declared in a pool config and wait for them to drain",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args[0], time.Duration(timeoutS*float64(time.Second)))
		},
	}
	cmd.Flags().Float64Var(&timeoutS, "timeout", 0, "Global deadline in seconds, 0 for none")
	return cmd
}

func run(path string, timeout time.Duration) error {
	f, err := config.Load(path)
	if err != nil {
		return err
	}
	stat := stats.DefaultStatsReceiver().Scope("pool")
	p, err := pool.NewExecPool(f.PoolConfig(stat))
	if err != nil {
		return err
	}
	defer p.Finalize()

	if f.Pool.HTTPAddr != "" {
		srv := observe.NewServer(f.Pool.HTTPAddr, p, stat)
		go func() {
			if err := srv.Serve(); err != nil {
				log.Errorf("Status server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received %v, requesting pool finalization", sig)
		p.RequestStop()
	}()

	jobs, _, err := f.BuildJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if _, err := p.Execute(j, false); err != nil {
			log.Errorf("Scheduling %s failed: %v", j.Name, err)
		}
	}

	if !p.Join(timeout) {
		return errors.NewError(fmt.Errorf("pool did not drain cleanly"), errors.DeadlineExceededExitCode)
	}
	return nil
}

func statusCommand() *cobra.Command {
	var addr, fltr, jlim string
	cmd := &cobra.Command{
		Use:   "status [failures|jobs|tasks]",
		Short: "Fetch a snapshot from a running pool's status endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			collection := "jobs"
			if len(args) == 1 {
				collection = args[0]
			}
			return status(addr, collection, fltr, jlim)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Status endpoint address")
	cmd.Flags().StringVar(&fltr, "fltr", "", "Predicate filter, e.g. 'rcode*:-15|duration:1.5..3600'")
	cmd.Flags().StringVar(&jlim, "jlim", "", "Cap on returned entries")
	return cmd
}

func status(addr, collection, fltr, jlim string) error {
	client := pester.New()
	client.MaxRetries = 3
	client.Backoff = pester.ExponentialBackoff

	q := url.Values{}
	if fltr != "" {
		q.Set("fltr", fltr)
	}
	if jlim != "" {
		q.Set("jlim", jlim)
	}
	resp, err := client.Get(fmt.Sprintf("http://%s/%s?%s", addr, collection, q.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
