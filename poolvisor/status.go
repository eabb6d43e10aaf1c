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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/poolvisor/util"
	"github.com/gdamore/poolvisor/rpc"
)

var (
	output   string
	attempts int
	interval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scheduler and its workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, e := fetchStatus(cmd)
		if e != nil {
			return e
		}
		return writeStatus(os.Stdout, snap, output, time.Now())
	},
}

func init() {
	statusCmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	statusCmd.Flags().IntVar(&attempts, "attempts", 100, "receive attempts before giving up")
	statusCmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "pause between attempts")
	rootCmd.AddCommand(statusCmd)
}

// fetchStatus asks over HTTP when --url is given, and over the status
// socket otherwise.
func fetchStatus(cmd *cobra.Command) (*poolvisor.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if addr != "" {
		return rpc.NewClient(nil, addr).Status(ctx)
	}
	cfg, e := loadConfig(cmd)
	if e != nil {
		return nil, e
	}
	return poolvisor.QueryStatus(ctx, cfg,
		poolvisor.StatusQueryOptions{Attempts: attempts, Interval: interval})
}

func writeStatus(w io.Writer, snap *poolvisor.Snapshot, format string, now time.Time) error {
	switch format {
	case "text":
		util.WriteText(w, snap, now)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		// Through JSON first, so the field names and codes match.
		b, e := json.Marshal(snap)
		if e != nil {
			return e
		}
		var v interface{}
		if e := yaml.Unmarshal(b, &v); e != nil {
			return e
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}
