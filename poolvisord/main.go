// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command poolvisord runs a poolvisor scheduler.
//
// Subcommands are
//
//	start [--daemon] [--background] [--mpm process|thread|none] [--http addr]
//	stop
//	status
//
// Every scaling setting can be given with --config <file>, as a
// POOLVISOR_* environment variable, or as a flag.  This binary is also
// the worker program: the process MPM starts it again with a marker in
// the environment, and it then runs the built in demonstration worker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/config"
	"github.com/gdamore/poolvisor/mpm"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "poolvisord",
	Short: "Run and control a pool of workers",
	Long: `poolvisord keeps a pool of worker processes sized to the load,
creating spare workers when everyone is busy and retiring them when they sit
idle for too long.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	config.BindFlags(rootCmd.PersistentFlags())
}

func loadConfig(cmd *cobra.Command) (poolvisor.Config, error) {
	return config.Load(cfgFile, cmd.Flags())
}

func main() {
	if mpm.IsChild() {
		if e := mpm.RunChild(demoWorker); e != nil {
			fmt.Fprintf(os.Stderr, "worker failed: %v\n", e)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if e := rootCmd.Execute(); e != nil {
		os.Exit(1)
	}
}
