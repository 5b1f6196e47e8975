package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fkiller/GnuNae-sub001/internal/host/client"
)

func newHostCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Inspect execution hosts",
	}
	cmd.PersistentFlags().StringVar(&host, "host", "", "host address (default: first configured endpoint)")
	cmd.PersistentFlags().IntVar(&port, "port", 0, "host port (default: first configured endpoint)")

	target := func() (*client.Client, error) {
		cfg, log, err := a.load()
		if err != nil {
			return nil, err
		}
		h, p := host, port
		if len(cfg.Host.Endpoints) > 0 {
			if h == "" {
				h = cfg.Host.Endpoints[0].Host
			}
			if p == 0 {
				p = cfg.Host.Endpoints[0].Port
			}
		}
		if h == "" || p == 0 {
			return nil, fmt.Errorf("no host given and none configured")
		}
		return client.NewClient(h, p, log), nil
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a host once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := target()
			if err != nil {
				return err
			}
			res := c.HealthCheck(cmd.Context())
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Healthy {
				return fmt.Errorf("host %s is not healthy", c.Address())
			}
			return nil
		},
	}

	var (
		attempts int
		interval time.Duration
	)
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until a host reports healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := target()
			if err != nil {
				return err
			}
			if !c.WaitUntilHealthy(cmd.Context(), attempts, interval) {
				return fmt.Errorf("host %s did not become healthy after %d attempts", c.Address(), attempts)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "host %s is healthy\n", c.Address())
			return err
		},
	}
	waitCmd.Flags().IntVar(&attempts, "attempts", 30, "health checks before giving up")
	waitCmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between health checks")

	cmd.AddCommand(healthCmd, waitCmd, newHostToolCmd(target))
	return cmd
}

// newHostToolCmd controls the browser-automation helper on one host.
func newHostToolCmd(target func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Control a host's browser-automation helper",
	}

	action := func(use, short string, call func(*client.Client, context.Context) (*client.ActionResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := target()
				if err != nil {
					return err
				}
				res, err := call(c, cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("tool %s on %s: %s", use, c.Address(), res.Message)
				}
				return nil
			},
		}
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the helper's connection target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := target()
			if err != nil {
				return err
			}
			info, err := c.ToolInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}

	cmd.AddCommand(
		action("start", "Start the helper", (*client.Client).StartTool),
		action("stop", "Stop the helper", (*client.Client).StopTool),
		infoCmd,
	)
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
