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

// Command poolvisor inspects and controls a running poolvisord.
//
// Subcommands are
//
//	status [-o text|json|yaml] [--url <http address>]
//	stop [--wait] [--timeout <duration>]
//	top --url <http address>
//
// The scheduler is found the same way poolvisord finds it: --config,
// POOLVISOR_* environment variables, or the settings flags.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/config"
)

var (
	cfgFile string
	addr    string
)

var rootCmd = &cobra.Command{
	Use:          "poolvisor",
	Short:        "Inspect and control a poolvisord scheduler",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&addr, "url", "a", "", "HTTP address of the scheduler, e.g. http://127.0.0.1:8321")
	config.BindFlags(rootCmd.PersistentFlags())
}

func loadConfig(cmd *cobra.Command) (poolvisor.Config, error) {
	return config.Load(cfgFile, cmd.Flags())
}

func main() {
	if e := rootCmd.Execute(); e != nil {
		os.Exit(1)
	}
}
