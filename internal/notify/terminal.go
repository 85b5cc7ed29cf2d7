package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalChannel prints events to a terminal with level colors.
type TerminalChannel struct {
	mu  sync.Mutex
	out io.Writer

	info     *color.Color
	warning  *color.Color
	critical *color.Color
	dim      *color.Color
}

// NewTerminalChannel creates a terminal channel writing to out, or
// stdout when out is nil.
func NewTerminalChannel(out io.Writer) *TerminalChannel {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalChannel{
		out:      out,
		info:     color.New(color.FgCyan),
		warning:  color.New(color.FgYellow, color.Bold),
		critical: color.New(color.FgRed, color.Bold),
		dim:      color.New(color.Faint),
	}
}

// Name returns the name of the channel.
func (t *TerminalChannel) Name() string {
	return "terminal"
}

// Send prints the event. Critical events ring the terminal bell.
func (t *TerminalChannel) Send(_ context.Context, ev Event) error {
	var c *color.Color
	var icon string
	switch ev.Level {
	case LevelCritical:
		c, icon = t.critical, "🚨"
	case LevelWarning:
		c, icon = t.warning, "⚠️"
	default:
		c, icon = t.info, "🔔"
	}

	var sb strings.Builder
	sb.WriteString(t.dim.Sprint(ev.Time.Format("15:04:05")))
	sb.WriteString(" ")
	sb.WriteString(c.Sprintf("%s %s", icon, ev.Title))
	if ev.Symbol != "" {
		sb.WriteString(" [" + ev.Symbol + "]")
	}
	if ev.Message != "" {
		sb.WriteString(" " + ev.Message)
	}
	for _, k := range sortedFields(ev.Fields) {
		sb.WriteString(t.dim.Sprintf(" %s=%s", k, fieldValue(k, ev.Fields[k])))
	}
	if ev.Level == LevelCritical {
		sb.WriteString("\a")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, sb.String())
	return err
}
