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

var (
	StyleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	StyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	StyleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorYellow).
			Background(tcell.ColorBlack)
	StyleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)
)

func workerLevel(w poolvisor.WorkerState) Level {
	switch {
	case w.Termination != poolvisor.TermNone:
		return LevelError
	case w.Code == poolvisor.CodeRunning:
		return LevelGood
	case w.Code == poolvisor.CodeWaiting:
		return LevelNormal
	}
	return LevelWarn
}

var lineStyles = map[Level]tcell.Style{
	LevelNormal: StyleNormal,
	LevelGood:   StyleGood,
	LevelWarn:   StyleWarn,
	LevelError:  StyleError,
}

// MainPanel lists the workers of the scheduler, busiest first.
type MainPanel struct {
	content  *views.CellView
	selected *poolvisor.WorkerState
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []poolvisor.WorkerState

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetTitle("Workers")
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			m.App().ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				m.App().ShowInfo(m.selected.ID)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				m.App().Quit()
				return true
			case 'H', 'h':
				m.App().ShowHelp()
				return true
			case 'I', 'i':
				if m.selected != nil {
					m.App().ShowInfo(m.selected.ID)
					return true
				}
			case 'L', 'l':
				m.App().ShowLog()
				return true
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	m := model.m

	if y < 0 || y >= len(m.lines) {
		return 0, StyleNormal, nil, 1
	}

	ch := ' '
	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	}
	style := m.styles[y]
	if m.selected != nil && m.items[y].ID == m.selected.ID {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	x := 0
	for _, l := range m.lines {
		if x < len(l) {
			x = len(l)
		}
	}
	return x, len(m.lines)
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	if m.curx > m.width-1 {
		m.curx = m.width - 1
	}
	if m.cury > m.height-1 {
		m.cury = m.height - 1
	}
	if m.curx < 0 {
		m.curx = 0
	}
	if m.cury < 0 {
		m.cury = 0
	}
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		sel := m.items[m.cury]
		m.selected = &sel
	} else {
		m.selected = nil
	}
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.  It is called with the AppLock held.
func (m *MainPanel) update() {
	snap, err := m.App().GetSnapshot()
	if err != nil || snap == nil {
		m.SetLevel(LevelError)
		if err != nil {
			m.SetStatus(fmt.Sprintf("Cannot load status: %v", err))
		} else {
			m.SetStatus("Loading ...")
		}
		if snap == nil {
			m.items = nil
			m.lines = []string{}
			m.styles = []tcell.Style{}
			return
		}
	}

	items := append([]poolvisor.WorkerState(nil), snap.Workers...)
	util.SortWorkers(items)
	m.items = items

	// preserve selected item
	if sel := m.selected; sel != nil {
		m.selected = nil
		for i, item := range m.items {
			if item.ID == sel.ID {
				found := item
				m.selected = &found
				m.cury = i
			}
		}
	}

	lines := make([]string, 0, len(items))
	styles := make([]tcell.Style, 0, len(items))
	m.height = 0
	m.width = 0
	now := time.Now()
	for _, w := range items {
		line := fmt.Sprintf("%10d  %-18s %10s %8.2f r/s %6.1f%%  %s",
			w.ID, util.Status(w), util.FormatDuration(now.Sub(w.Time)),
			w.RequestsPerSecond, w.CPUUsage, w.StatusDescription)
		if len(line) > m.width {
			m.width = len(line)
		}
		m.height++
		lines = append(lines, line)
		styles = append(styles, lineStyles[workerLevel(w)])
	}
	m.lines = lines
	m.styles = styles

	if err == nil {
		m.SetStatus(util.Summary(snap))
		switch {
		case snap.Count(poolvisor.CodeWaiting) == 0 && len(items) != 0:
			m.SetLevel(LevelWarn)
		case len(items) != 0:
			m.SetLevel(LevelGood)
		default:
			m.SetLevel(LevelNormal)
		}
	}

	words := []string{"[Q] Quit", "[H] Help", "[L] Log"}
	if m.selected != nil {
		words = append(words, "[I] Info")
	}
	m.SetKeys(words)
}
