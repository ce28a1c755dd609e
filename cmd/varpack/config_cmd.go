package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/varpack/internal/config"
)

var configInitForce bool

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage varpack configuration. Subcommands allow viewing and modifying
configuration settings.`,
		Example: `  varpack config show
  varpack config init
  varpack config set optimize.default_texture_size 2048`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
		newConfigPathCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with defaults filled in
and any command-line overrides applied.`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	out := cmd.OutOrStdout()
	if cfgPath != "" {
		fmt.Fprintf(out, "# loaded from %s\n", cfgPath)
	} else {
		fmt.Fprintln(out, "# no config file found, showing defaults")
	}
	fmt.Fprint(out, string(data))
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a config file with the default settings",
		Long: `Write the default configuration to PATH, or to the user config directory
when PATH is omitted. An existing file is left alone unless --force is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: configInitRun,
	}
	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	path := config.UserConfigPath()
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Write(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show where config files are looked up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, p := range config.SearchPaths() {
				marker := " "
				if p == cfgPath {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, p)
			}
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value using dot-notation for nested keys.
Changes are written back to the loaded config file, or to the user config
file when none was loaded. The result must still validate.

Examples:
  library.dir /srv/vam/AddonPackages
  download.catalog_url http://hub.lan:8080
  optimize.default_texture_size 2048
  export.split_size 10GB`,
		Example: `  varpack config set download.max_concurrent 4
  varpack config set optimize.minify true`,
		Args: cobra.ExactArgs(2),
		RunE: configSetRun,
	}
}

func configSetRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	key, value := args[0], args[1]

	updated, err := setConfigValue(globalCfg, key, value)
	if err != nil {
		return err
	}

	path := cfgPath
	if path == "" {
		path = config.UserConfigPath()
	}
	if err := updated.Write(path); err != nil {
		return err
	}
	logger.Info("set configuration", "key", key, "value", value, "path", path)
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s in %s\n", key, value, path)
	return nil
}

// setConfigValue returns a copy of cfg with the dotted key set. The value is
// decoded as a YAML scalar, so numbers and booleans keep their types.
func setConfigValue(cfg *config.Config, key, value string) (*config.Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	parts := strings.Split(key, ".")
	node := tree
	for i, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			if _, exists := node[p]; exists || i == 0 {
				return nil, fmt.Errorf("unknown config section %q in %q", p, key)
			}
			// Optional maps such as optimize.textures are omitted when empty.
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	node[parts[len(parts)-1]] = parsed

	data, err = yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	updated := config.DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(updated); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return nil, errors.Join(fmt.Errorf("%s = %s is not valid", key, value), err)
	}
	return updated, nil
}
