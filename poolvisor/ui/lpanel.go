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
)

// LogPanel follows the scheduler log.
type LogPanel struct {
	text *views.TextArea

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}
	p.Panel.Init(app)

	// We don't change the keybar, so set it once
	p.SetKeys([]string{"[ESC] Main", "[H] Help"})
	p.SetTitle("Scheduler Log")

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(StyleNormal)
	p.SetContent(p.text)
	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	app := p.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

// update must be called with AppLock held.
func (p *LogPanel) update() {
	info, e := p.app.GetLog()
	if info == nil {
		if e != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", e))
			p.SetLevel(LevelError)
		} else {
			p.SetStatus("Loading ...")
			p.SetLevel(LevelNormal)
		}
		p.text.SetLines([]string{""})
		return
	}

	p.SetStatus(fmt.Sprintf("%d lines", len(info.Records)))
	p.SetLevel(LevelNormal)
	lines := make([]string, 0, len(info.Records))
	for _, r := range info.Records {
		lines = append(lines, fmt.Sprintf("%s %s",
			r.Time.Format(time.StampMilli), r.Text))
	}
	p.text.SetLines(lines)
}
