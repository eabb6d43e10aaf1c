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

package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/poolvisor/util"
)

var (
	attempts int
	interval time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a daemonized scheduler to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, e := loadConfig(cmd)
		if e != nil {
			return e
		}
		return poolvisor.StopService(cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, e := loadConfig(cmd)
		if e != nil {
			return e
		}
		snap, e := poolvisor.QueryStatus(context.Background(), cfg,
			poolvisor.StatusQueryOptions{Attempts: attempts, Interval: interval})
		if e != nil {
			return e
		}
		util.WriteText(os.Stdout, snap, time.Now())
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&attempts, "attempts", 100, "receive attempts before giving up")
	statusCmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "pause between attempts")
	rootCmd.AddCommand(stopCmd, statusCmd)
}

