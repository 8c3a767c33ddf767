package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pullfrog/pullbox"
)

func newCompileCmd() *cobra.Command {
	var (
		pf      policyFlags
		workDir string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the sandbox allow-lists a policy compiles to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, ports, err := pf.resolve(pf.environment())
			if err != nil {
				return err
			}
			opts, err := compileOptions(workDir, ports)
			if err != nil {
				return err
			}
			cfg, err := pullbox.Compile(policy, opts)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(struct {
				Policy  pullbox.PermissionPolicy `yaml:"policy"`
				Sandbox pullbox.SandboxConfig    `yaml:"sandbox"`
			}{policy, cfg})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&workDir, "cwd", "", "repository checkout (default: current directory)")
	return cmd
}
