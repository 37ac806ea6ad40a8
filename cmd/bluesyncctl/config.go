package main

import (
	"fmt"

	"github.com/danmuck/bluesync/internal/config"
	"github.com/danmuck/bluesync/internal/protocol/session"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write, check and print endpoint configs",
	}
	cmd.AddCommand(configInitCmd(), configValidateCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var role string
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config template for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], role, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", role, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(session.RoleResponder), "config role: initiator|responder")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", cfg.Role, args[0])
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Print a config with defaults filled in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func loadRole(path string, want session.Role) (config.File, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, err
	}
	if session.NormalizeRole(cfg.Role) != want {
		return config.File{}, fmt.Errorf("%s needs a %s config, got %s", path, want, cfg.Role)
	}
	return cfg, nil
}
