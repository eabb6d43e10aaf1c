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

package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/poolvisor/util"
)

// InfoPanel shows everything known about one worker.
type InfoPanel struct {
	text *views.TextArea
	id   poolvisor.WorkerID

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}
	i.Panel.Init(app)
	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(StyleNormal)
	i.SetContent(i.text)
	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			i.app.ShowMain()
			return true
		case tcell.KeyF1:
			i.app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				i.app.ShowMain()
				return true
			case 'H', 'h':
				i.app.ShowHelp()
				return true
			case 'L', 'l':
				i.app.ShowLog()
				return true
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

func (i *InfoPanel) SetWorker(id poolvisor.WorkerID) {
	i.id = id
}

// update must be called with AppLock held.
func (i *InfoPanel) update() {
	i.SetTitle(fmt.Sprintf("Details for worker %d", i.id))
	i.SetKeys([]string{"[ESC] Main", "[H] Help", "[L] Log"})

	w, ok := i.app.GetWorker(i.id)
	if !ok {
		if _, e := i.app.GetSnapshot(); e != nil {
			i.SetStatus(fmt.Sprintf("No data: %v", e))
		} else {
			i.SetStatus("Worker has exited")
		}
		i.SetLevel(LevelError)
		i.text.SetLines(nil)
		return
	}

	i.SetStatus("")
	i.SetLevel(workerLevel(w))

	lines := []string{
		fmt.Sprintf("%13s %d", "Id:", w.ID),
		fmt.Sprintf("%13s %s", "Service:", w.ServiceName),
		fmt.Sprintf("%13s %s", "Status:", util.Status(w)),
		fmt.Sprintf("%13s %v (%s ago)", "Since:", w.Time.Format(time.RFC3339),
			util.FormatDuration(time.Since(w.Time))),
		fmt.Sprintf("%13s %s", "Detail:", w.StatusDescription),
		fmt.Sprintf("%13s %d", "Finished:", w.RequestsFinished),
		fmt.Sprintf("%13s %.2f/s", "Rate:", w.RequestsPerSecond),
		fmt.Sprintf("%13s %.1f%%", "CPU:", w.CPUUsage),
	}
	if !w.TerminateTime.IsZero() {
		lines = append(lines, fmt.Sprintf("%13s %v", "Terminated:",
			w.TerminateTime.Format(time.RFC3339)))
	}
	i.text.SetLines(lines)
}
