// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newTable with the given headers. The first column is right-aligned.
func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}
