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

// Package ui is the full screen monitor run by "poolvisor top".
package ui

import (
	"context"
	"log"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/rpc"
)

// RefreshInterval is how often the worker list is fetched.
const RefreshInterval = time.Second

type App struct {
	app       *views.Application
	view      views.View
	panel     views.Widget
	info      *InfoPanel
	help      *HelpPanel
	log       *LogPanel
	main      *MainPanel
	client    *rpc.Client
	server    string
	logger    *log.Logger
	snap      *poolvisor.Snapshot
	err       error
	logInfo   *rpc.LogInfo
	logErr    error
	logCancel context.CancelFunc

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(id poolvisor.WorkerID) {
	a.info.SetWorker(id)
	a.show(a.info)
}

func (a *App) ShowLog() {
	if a.logCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.logCancel = cancel
		go a.refreshLog(ctx)
	}
	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

func (a *App) Quit() {
	if a.logCancel != nil {
		a.logCancel()
	}
	a.app.Quit()
}

func (a *App) SetLogger(logger *log.Logger) {
	a.logger = logger
}

func (a *App) Logf(fmt string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(fmt, v...)
	}
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) GetAppName() string {
	return "Poolvisor"
}

// NewApp creates the monitor for the server at url.
func NewApp(client *rpc.Client, url string) *App {
	app := &App{}
	app.app = &views.Application{}
	app.client = client
	app.server = url
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.main = NewMainPanel(app)
	app.panel = app.main
	return app
}

// refresh keeps the snapshot current until ctx is done.
func (a *App) refresh(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, RefreshInterval)
		snap, e := a.client.Status(rctx)
		cancel()

		a.app.PostFunc(func() {
			if e == nil {
				a.snap = snap
			}
			a.err = e
			a.app.Update()
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(RefreshInterval):
		}
	}
}

func (a *App) refreshLog(ctx context.Context) {
	info, e := a.client.GetLog(ctx)
	for {
		a.app.PostFunc(func() {
			a.logInfo = info
			a.logErr = e
			a.app.Update()
		})
		if ctx.Err() != nil {
			return
		}
		if e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			info, e = a.client.GetLog(ctx)
			continue
		}
		info, e = a.client.WatchLog(ctx, info)
	}
}

// GetSnapshot returns the last snapshot fetched and the last fetch error.
func (a *App) GetSnapshot() (*poolvisor.Snapshot, error) {
	return a.snap, a.err
}

func (a *App) GetWorker(id poolvisor.WorkerID) (poolvisor.WorkerState, bool) {
	if a.snap == nil {
		return poolvisor.WorkerState{}, false
	}
	return a.snap.Worker(id)
}

func (a *App) GetLog() (*rpc.LogInfo, error) {
	return a.logInfo, a.logErr
}

// Run shows the monitor until the user quits.
func (a *App) Run() error {
	a.Logf("Starting up user interface")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.refresh(ctx)

	a.app.SetRootWidget(a)
	a.ShowMain()
	return a.app.Run()
}
