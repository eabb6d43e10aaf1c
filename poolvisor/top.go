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
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor/poolvisor/ui"
	"github.com/gdamore/poolvisor/rpc"
)

var logName string

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Monitor the workers full screen",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr == "" {
			return errors.New("top needs the scheduler's HTTP address (--url)")
		}
		app := ui.NewApp(rpc.NewClient(nil, addr), addr)
		if logName != "" {
			f, e := os.OpenFile(logName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if e != nil {
				return e
			}
			defer f.Close()
			app.SetLogger(log.New(f, "", log.LstdFlags))
		}
		return app.Run()
	},
}

func init() {
	topCmd.Flags().StringVar(&logName, "log", "", "debug log file")
	rootCmd.AddCommand(topCmd)
}
