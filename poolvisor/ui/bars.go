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
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

var (
	barStyle = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barAltStyle = tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver)
)

type TitleBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (tb *TitleBar) Init() {
	tb.once.Do(func() {
		tb.SimpleStyledTextBar.Init()
		tb.SimpleStyledTextBar.SetStyle(barStyle)
		tb.RegisterLeftStyle('N', barStyle)
		tb.RegisterLeftStyle('A', barAltStyle)
		tb.RegisterCenterStyle('N', barStyle)
		tb.RegisterCenterStyle('A', barAltStyle)
		tb.RegisterRightStyle('N', barStyle)
		tb.RegisterRightStyle('A', barAltStyle)
	})
}

func NewTitleBar() *TitleBar {
	tb := &TitleBar{}
	tb.Init()
	return tb
}

// Level selects the colors of a StatusBar.
type Level int

const (
	LevelNormal Level = iota
	LevelGood
	LevelWarn
	LevelError
)

var levelStyles = map[Level]tcell.Style{
	LevelNormal: barStyle,
	LevelGood: tcell.StyleDefault.
		Foreground(tcell.ColorWhite).
		Background(tcell.ColorGreen).
		Bold(true),
	LevelWarn: tcell.StyleDefault.
		Foreground(tcell.ColorBlack).
		Background(tcell.ColorYellow),
	LevelError: tcell.StyleDefault.
		Foreground(tcell.ColorWhite).
		Background(tcell.ColorMaroon).
		Bold(true),
}

// StatusBar is like a titlebar, but it changes color based on the
// health of what the screen shows.
type StatusBar struct {
	once   sync.Once
	status string
	views.SimpleStyledTextBar
}

func (sb *StatusBar) Init() {
	sb.once.Do(func() {
		sb.SimpleStyledTextBar.Init()
		sb.SetLevel(LevelNormal)
	})
}

func (sb *StatusBar) SetLevel(l Level) {
	style := levelStyles[l]
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.SimpleStyledTextBar.RegisterLeftStyle('N', style)
	sb.SimpleStyledTextBar.SetLeft(sb.status)
}

func (sb *StatusBar) SetText(status string) {
	sb.status = strings.ReplaceAll(status, "%", "%%")
	sb.SetLeft(sb.status)
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.Init()
	return sb
}

// KeyBar shows the available keys, highlighting the bracketed part of
// each word.
type KeyBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (k *KeyBar) Init() {
	k.once.Do(func() {
		k.SimpleStyledTextBar.Init()
		k.SimpleStyledTextBar.SetStyle(barStyle)
		k.RegisterLeftStyle('N', barStyle)
		k.RegisterLeftStyle('A', barAltStyle.Bold(true))
	})
}

// markup turns "[Q] Quit" into the bar's style escapes.
func markup(words []string) string {
	b := &strings.Builder{}
	for i, w := range words {
		if i != 0 && len(w) != 0 {
			b.WriteByte(' ')
		}
		for _, r := range w {
			switch r {
			case '%':
				b.WriteString("%%")
			case '[':
				b.WriteString("[%A")
			case ']':
				b.WriteString("%N]")
			default:
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func (k *KeyBar) SetKeys(words []string) {
	k.SetLeft(markup(words))
}

func NewKeyBar() *KeyBar {
	kb := &KeyBar{}
	kb.Init()
	return kb
}
