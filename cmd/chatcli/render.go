package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/suPer8Hu/chatcore/internal/aichat"
	"github.com/suPer8Hu/chatcore/internal/chat"
)

var (
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("245")).Padding(0, 2)
)

// status is the delivery marker shown after own messages.
func status(m chat.Message) string {
	switch {
	case m.Seen:
		return "seen"
	case m.IsTemporary():
		return "sending"
	case m.Received:
		return "sent"
	}
	return "failed"
}

func renderMessage(m chat.Message, selfID string) string {
	ts := mutedStyle.Render(m.CreatedAt.Local().Format("15:04"))
	body := m.Content
	if len(m.Media) > 0 {
		body = strings.TrimSpace(fmt.Sprintf("%s [%d attachment(s)]", body, len(m.Media)))
	}
	if m.SenderID == selfID {
		return fmt.Sprintf("%s %s %s %s", ts, selfStyle.Render("you"), body, mutedStyle.Render("("+status(m)+")"))
	}
	return fmt.Sprintf("%s %s %s", ts, peerStyle.Render(m.SenderID), body)
}

func renderTimeline(tl *chat.Timeline, selfID string) string {
	var b strings.Builder
	conn := "offline"
	if tl.Connected() {
		conn = "online"
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("conversation (%s)", conn)))
	b.WriteString("\n")
	if tl.HasMore() {
		b.WriteString(mutedStyle.Render("  /older for earlier messages"))
		b.WriteString("\n")
	}
	for _, m := range tl.Messages() {
		b.WriteString(renderMessage(m, selfID))
		b.WriteString("\n")
	}
	if tl.PeerTyping() {
		b.WriteString(mutedStyle.Italic(true).Render("typing..."))
		b.WriteString("\n")
	}
	if err := tl.Err(); err != nil {
		b.WriteString(errStyle.Render("error: " + err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

func renderChats(snap aichat.Snapshot) string {
	if len(snap.Chats) == 0 {
		return mutedStyle.Render("no chats yet, /new to start one")
	}
	var b strings.Builder
	for _, c := range snap.Chats {
		marker := "  "
		if snap.Current != nil && snap.Current.ID == c.ID {
			marker = "* "
		}
		b.WriteString(fmt.Sprintf("%s%s %s\n", marker, mutedStyle.Render(c.ID), c.Title))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderAIMessage(m aichat.Message) string {
	who := peerStyle.Render("assistant")
	if m.Role == aichat.RoleUser {
		who = selfStyle.Render("you")
	}
	return fmt.Sprintf("%s %s", who, m.Message)
}
