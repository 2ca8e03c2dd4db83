package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/i-melnichenko/walcache/internal/kverr"
	"github.com/i-melnichenko/walcache/internal/transport"
	kvstream "github.com/i-melnichenko/walcache/internal/transport/stream/kv"
)

const watchRefreshInterval = 500 * time.Millisecond

// watchTarget is one node to poll: its stream endpoint and, optionally, its
// admin gRPC address.
type watchTarget struct {
	client *kvstream.Client
	admin  string
}

type watchRow struct {
	addr   string
	health string
	keys   int64
	rtt    time.Duration
	err    error
}

type tickMsg time.Time

type rowsMsg struct {
	rows []watchRow
	ts   time.Time
}

type uiStyles struct {
	dotServing  lipgloss.Style
	dotDown     lipgloss.Style
	dotUnknown  lipgloss.Style
	dotSelected lipgloss.Style
	addr        lipgloss.Style
	metric      lipgloss.Style
	tableHeader lipgloss.Style
	appHeader   lipgloss.Style
	tsStyle     lipgloss.Style
	footer      lipgloss.Style
	divider     lipgloss.Style
	alertsHdr   lipgloss.Style
	errorKind   lipgloss.Style
	sumDim      lipgloss.Style
	sumServing  lipgloss.Style
	sumErrors   lipgloss.Style
}

var styles = uiStyles{
	dotServing:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
	dotDown:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	dotUnknown:  lipgloss.NewStyle().Faint(true),
	dotSelected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	addr:        lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6")),
	metric:      lipgloss.NewStyle().Faint(true),
	tableHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
	appHeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	tsStyle:     lipgloss.NewStyle().Faint(true),
	footer:      lipgloss.NewStyle().Faint(true),
	divider:     lipgloss.NewStyle().Faint(true),
	alertsHdr:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	errorKind:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	sumDim:      lipgloss.NewStyle().Faint(true),
	sumServing:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	sumErrors:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

func newWatchCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <endpoint[=admin-addr]>...",
		Short: "Live table of key counts, latency and health for one or more nodes",
		Long: "Polls each node with LEN and, when an admin address is given after '=', " +
			"the gRPC health service. Defaults to --addr when no node is listed.",
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{f.addr}
			}
			targets, err := parseWatchTargets(args, f.timeout)
			if err != nil {
				return err
			}
			p := tea.NewProgram(newWatchModel(targets, f.timeout), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

func parseWatchTargets(args []string, timeout time.Duration) ([]watchTarget, error) {
	targets := make([]watchTarget, 0, len(args))
	for _, raw := range args {
		addr, admin, _ := strings.Cut(strings.TrimSpace(raw), "=")
		ep, err := transport.ParseEndpoint(addr)
		if err != nil {
			return nil, fmt.Errorf("watch target %q: %w", raw, err)
		}
		targets = append(targets, watchTarget{
			client: kvstream.NewClient(ep, kvstream.ClientOptions{Timeout: timeout}),
			admin:  strings.TrimSpace(admin),
		})
	}
	return targets, nil
}

func pollRows(ctx context.Context, targets []watchTarget, timeout time.Duration) ([]watchRow, time.Time) {
	rows := make([]watchRow, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))

	for i, t := range targets {
		go func(i int, t watchTarget) {
			defer wg.Done()

			row := watchRow{addr: t.client.Endpoint().String(), health: "-"}
			start := time.Now()
			n, err := t.client.Len(ctx)
			row.rtt = time.Since(start)
			if err != nil {
				row.err = err
				rows[i] = row
				return
			}
			row.keys = n
			if t.admin != "" {
				status, err := checkHealth(ctx, t.admin, timeout)
				if err != nil {
					row.err = err
				} else {
					row.health = strings.ToLower(status)
				}
			}
			rows[i] = row
		}(i, t)
	}

	wg.Wait()
	return rows, time.Now()
}

type watchModel struct {
	rows    []watchRow
	ts      time.Time
	targets []watchTarget
	timeout time.Duration
	width   int
	height  int
	cursor  int
}

func newWatchModel(targets []watchTarget, timeout time.Duration) watchModel {
	return watchModel{targets: targets, timeout: timeout, width: 100, height: 30}
}

func (m watchModel) Init() tea.Cmd {
	// The next tick is scheduled when a poll returns, so one poll is in
	// flight at a time.
	return m.pollCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, m.pollCmd()

	case rowsMsg:
		m.rows = msg.rows
		m.ts = msg.ts
		m.cursor = clampInt(m.cursor, 0, maxInt(0, len(m.rows)-1))
		return m, tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.cursor = clampInt(m.cursor-1, 0, maxInt(0, len(m.rows)-1))
		case "down", "j":
			m.cursor = clampInt(m.cursor+1, 0, maxInt(0, len(m.rows)-1))
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}
	addrWidth := clampInt(contentWidth-36, 8, 48)

	var b strings.Builder
	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("walcache"))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")
	b.WriteString(renderSummary(m.rows))
	b.WriteString("\n\n")

	header := fmt.Sprintf("%-2s %-*s %-12s %10s %10s", "ST", addrWidth, "ENDPOINT", "HEALTH", "KEYS", "RTT")
	b.WriteString(styles.tableHeader.Width(contentWidth).MaxWidth(contentWidth).Render(header))
	b.WriteString("\n")
	for i, r := range m.rows {
		b.WriteString(makeTableRow(r, addrWidth, i == m.cursor))
		b.WriteString("\n")
	}

	if alerts := buildAlertLines(m.rows, contentWidth); len(alerts) > 0 {
		b.WriteString(styles.divider.Render(strings.Repeat("-", contentWidth)))
		b.WriteString("\n")
		b.WriteString(styles.alertsHdr.Render("Alerts"))
		b.WriteString("\n")
		for _, line := range alerts {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n  ")
	b.WriteString(styles.footer.Render("q or Ctrl+C to exit"))

	// Pad to the terminal height so lines from a taller previous frame are
	// overwritten.
	out := b.String()
	lines := strings.Split(out, "\n")
	for len(lines) < m.height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m watchModel) pollCmd() tea.Cmd {
	targets := m.targets
	timeout := m.timeout
	return func() tea.Msg {
		rows, ts := pollRows(context.Background(), targets, timeout)
		return rowsMsg{rows: rows, ts: ts}
	}
}

func renderStatusDot(r watchRow, selected bool) string {
	switch {
	case selected:
		return styles.dotSelected.Render("▶") + " "
	case r.err != nil:
		return styles.dotDown.Render("●") + " "
	case r.health == "serving" || r.health == "-":
		return styles.dotServing.Render("●") + " "
	case r.health == "not_serving":
		return styles.dotDown.Render("●") + " "
	default:
		return styles.dotUnknown.Render("·") + " "
	}
}

func makeTableRow(r watchRow, addrWidth int, selected bool) string {
	dot := renderStatusDot(r, selected)
	addr := styles.addr.Render(fmt.Sprintf("%-*s", addrWidth, shorten(r.addr, addrWidth)))
	if r.err != nil {
		return dot + " " + addr + " " + fmt.Sprintf("%-12s %10s %10s", "-", "-", "-")
	}
	return dot + " " + addr + " " +
		fmt.Sprintf("%-12s", shorten(r.health, 12)) + " " +
		styles.metric.Render(fmt.Sprintf("%10d", r.keys)) + " " +
		styles.metric.Render(fmt.Sprintf("%10s", r.rtt.Round(time.Microsecond)))
}

func renderSummary(rows []watchRow) string {
	serving, errorsN := 0, 0
	var keys int64
	for _, r := range rows {
		if r.err != nil {
			errorsN++
			continue
		}
		keys += r.keys
		if r.health == "serving" || r.health == "-" {
			serving++
		}
	}
	bracket := func(st lipgloss.Style, label string, n int64) string {
		d := styles.sumDim
		return d.Render("[") + st.Render(fmt.Sprintf("%d", n)) + d.Render(" "+label+"]")
	}
	return strings.Join([]string{
		bracket(lipgloss.NewStyle(), "nodes", int64(len(rows))),
		bracket(styles.sumServing, "serving", int64(serving)),
		bracket(styles.sumErrors, "errors", int64(errorsN)),
		bracket(lipgloss.NewStyle(), "keys", keys),
	}, " ")
}

func buildAlertLines(rows []watchRow, contentWidth int) []string {
	var lines []string
	for _, r := range rows {
		if r.err == nil {
			continue
		}
		summary := shorten(strings.Join(strings.Fields(r.err.Error()), " "), maxInt(20, contentWidth-28))
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			styles.dotDown.Render("●"),
			r.addr,
			styles.errorKind.Render(kverr.KindOf(r.err).String()),
			summary,
		))
	}
	return lines
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
