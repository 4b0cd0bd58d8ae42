package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Level is the severity of a message
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
)

// Message describes a problem with optional suggestions and follow-up commands.
//
//	UNKNOWN ENTITY: Usr
//	   Did you mean: User?
//
//	   → List entities: relkit validate
type Message struct {
	Level        Level
	Context      string
	Problem      string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// Format renders the message
func (m Message) Format() string {
	var b strings.Builder

	var header *color.Color
	switch m.Level {
	case LevelWarning:
		header = color.New(color.FgYellow, color.Bold)
	case LevelInfo:
		header = color.New(color.FgCyan, color.Bold)
	default:
		header = color.New(color.FgRed, color.Bold)
	}
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	if m.NoColor {
		header.DisableColor()
		yellow.DisableColor()
		cyan.DisableColor()
	}

	if m.Context != "" {
		header.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Context), m.Problem)
	} else {
		header.Fprintln(&b, m.Problem)
	}

	if len(m.Suggestions) > 0 {
		yellow.Fprintf(&b, "   Did you mean: %s?\n", strings.Join(m.Suggestions, ", "))
	}

	if len(m.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range m.HelpCommands {
			cyan.Fprintf(&b, "   → %s\n", cmd)
		}
	}
	return b.String()
}

// Write renders the message to w
func (m Message) Write(w io.Writer) {
	fmt.Fprint(w, m.Format())
}

// UnknownEntity reports an entity name that is not in the manifest
func UnknownEntity(name string, known []string, noColor bool) Message {
	return Message{
		Context:      "unknown entity",
		Problem:      name,
		Suggestions:  FindSimilar(name, known, 0),
		HelpCommands: []string{"List entities: relkit validate"},
		NoColor:      noColor,
	}
}

// Success formats a success line
func Success(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}
