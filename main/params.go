// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ava-labs/vatkernel/kernel"
)

const (
	versionKey     = "version"
	configFileKey  = "config-file"
	genesisFileKey = "genesis-file"
	dbDirKey       = "db-dir"
	httpAddrKey    = "http-addr"
	logLevelKey    = "log-level"

	envPrefix = "vatkernel"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("vatkernel", flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints version and quit")
	fs.String(configFileKey, "", "Optional config file (JSON, YAML or TOML)")
	fs.String(genesisFileKey, "", "Genesis file naming the static vats, devices and bootstrap vat")
	fs.String(dbDirKey, "vatkernel-db", "Database directory")
	fs.String(httpAddrKey, "127.0.0.1:9650", "Address of the JSON-RPC and metrics server")
	fs.String(logLevelKey, "info", "Log level")

	return fs
}

// getViper returns the viper environment for the node binary
func getViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	if path := v.GetString(configFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// kernelConfig reads the "kernel" section of the config file.
func kernelConfig(v *viper.Viper) (kernel.Config, error) {
	var config kernel.Config
	sub := v.Sub("kernel")
	if sub == nil {
		return config, nil
	}
	if err := sub.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to parse kernel config: %w", err)
	}
	return config, nil
}

// readGenesis loads the genesis file. A node with no genesis file starts
// with no vats.
func readGenesis(path string) (kernel.Genesis, error) {
	var g kernel.Genesis
	if path == "" {
		return g, nil
	}
	gv := viper.New()
	gv.SetConfigFile(path)
	if err := gv.ReadInConfig(); err != nil {
		return g, fmt.Errorf("failed to read genesis %s: %w", path, err)
	}
	if err := gv.Unmarshal(&g); err != nil {
		return g, fmt.Errorf("failed to parse genesis %s: %w", path, err)
	}
	return g, nil
}
