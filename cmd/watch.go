package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrproliu/go-agent-runtime/frameworks/core/agent"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
)

func newWatchCommand(root *rootOptions) *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the settings and print hook changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(root.configPaths) == 0 {
				return errors.New("watch needs --config")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := loggerFrom(ctx)

			defaults, err := root.defaults()
			if err != nil {
				return err
			}
			src, err := config.NewSource(root.configPaths, config.WithDefaults(defaults), config.WithLogger(logger))
			if err != nil {
				return err
			}
			descs, err := root.descriptors(module)
			if err != nil {
				return err
			}

			a := agent.New(agent.WithLogger(logger))
			out := cmd.OutOrStdout()
			a.OnHookChange(func(changes []resolver.Change) {
				for _, c := range changes {
					fmt.Fprintf(out, "%s\t%s\n", c.Kind, c.Method)
				}
			})
			a.Register(descs...)
			detach := a.Attach(src)
			defer detach()

			logger.Info("watching settings", "paths", root.configPaths, "methods", len(descs))
			return src.Watch(ctx)
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", ".", "root of the module to scan")
	return cmd
}
