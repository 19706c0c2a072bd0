package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"topicpresence/internal/presence"
)

var (
	headerStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	dividerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	presenceBoxStyle = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	labelStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).Bold(true)
	idleStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	errorStyle       = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	hintStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	userColorPalette = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (m *WatchModel) View() string {
	segments := []string{fmt.Sprintf("Topic #%d", m.topicID), m.username}
	if m.editingPost > 0 {
		segments = append(segments, fmt.Sprintf("editing post %d", m.editingPost))
	} else {
		segments = append(segments, "replying")
	}
	if m.whisper {
		segments = append(segments, "whisper")
	}
	header := headerStyle.Render(strings.Join(segments, dividerStyle))

	lines := []string{renderRepliers(m.registry.Repliers(m.topicID))}
	lines = append(lines, renderEditors(m.registry.Editors(m.topicID))...)
	sections := []string{
		header,
		presenceBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
		inputBoxStyle.Render(m.input.View()),
	}
	if m.status != "" {
		sections = append(sections, statusStyle.Render(m.status))
	}
	if m.err != nil {
		sections = append(sections, errorStyle.Render("Error: "+m.err.Error()))
	}
	sections = append(sections, hintStyle.Render("Enter submits the draft • /edit N • /reply • /whisper • Esc quits"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderRepliers(entries []presence.Entry) string {
	if len(entries) == 0 {
		return idleStyle.Render("Nobody is replying.")
	}
	return labelStyle.Render("Replying: ") + joinUsers(entries)
}

// renderEditors groups editing entries by post, lowest post id first.
func renderEditors(entries []presence.Entry) []string {
	byPost := make(map[int64][]presence.Entry)
	for _, entry := range entries {
		byPost[entry.PostID] = append(byPost[entry.PostID], entry)
	}
	posts := make([]int64, 0, len(byPost))
	for postID := range byPost {
		posts = append(posts, postID)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i] < posts[j] })
	lines := make([]string, 0, len(posts))
	for _, postID := range posts {
		lines = append(lines, labelStyle.Render(fmt.Sprintf("Editing post %d: ", postID))+joinUsers(byPost[postID]))
	}
	return lines
}

func joinUsers(entries []presence.Entry) string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.User.DisplayName()
		names = append(names, lipgloss.NewStyle().Bold(true).Foreground(colorForUser(name)).Render(name))
	}
	return strings.Join(names, ", ")
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
