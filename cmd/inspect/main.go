// Command inspect prints the admin info of a running hub as tables.
package main

import (
	"channel-hub/observability"
	"channel-hub/runtime"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	HubAddr       string `envconfig:"HUB_ADDR" default:"http://localhost:8000"`
	AdminUser     string `envconfig:"ADMIN_USER" required:"true"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" required:"true"`
	// INSPECT_COLOURS enables colorized section headers
	Colours bool `envconfig:"INSPECT_COLOURS" default:"true"`
}

type adminInfo struct {
	Tenants map[string]runtime.ServerInfo  `json:"tenants"`
	Process *observability.MonitoringStats `json:"process"`
}

func main() {
	connections := flag.Bool("connections", false, "List connection ids per user")
	flag.Parse()

	if err := run(*connections); err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
}

func run(withConnections bool) error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	info, err := fetch(cfg, withConnections)
	if err != nil {
		return err
	}
	render(os.Stdout, cfg, info)
	return nil
}

func fetch(cfg Config, withConnections bool) (adminInfo, error) {
	url := strings.TrimSuffix(cfg.HubAddr, "/") + "/admin/info"
	if withConnections {
		url += "?connections=1"
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return adminInfo{}, err
	}
	req.SetBasicAuth(cfg.AdminUser, cfg.AdminPassword)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return adminInfo{}, fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adminInfo{}, fmt.Errorf("hub answered %s", resp.Status)
	}

	var info adminInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return adminInfo{}, fmt.Errorf("unable to decode admin info: %w", err)
	}
	return info, nil
}

func render(w io.Writer, cfg Config, info adminInfo) {
	header := func(title string) {
		line := fmt.Sprintf("  ====== %s ======", title)
		if cfg.Colours {
			line = color.New(color.BgBlack, color.FgGreen).Render(line)
		}
		fmt.Fprintln(w, line)
	}

	if info.Process != nil {
		header("Process")
		table := newTable(w, "PID", "CPU %", "RSS (MB)", "Goroutines", "WS attached", "Polls", "Messages")
		table.Append([]string{
			strconv.Itoa(int(info.Process.PID)),
			fmt.Sprintf("%.1f", info.Process.CPUPercent),
			strconv.FormatUint(info.Process.RSSMb, 10),
			strconv.Itoa(info.Process.Goroutines),
			strconv.FormatUint(info.Process.WSAttached, 10),
			strconv.FormatUint(info.Process.Polls, 10),
			strconv.FormatUint(info.Process.MessagesPosted, 10),
		})
		table.Render()
	}

	ids := make([]string, 0, len(info.Tenants))
	for id := range info.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		server := info.Tenants[id]
		header(fmt.Sprintf("Tenant %s (up %s, %d messages)", id, server.Uptime, server.TotalMessages))

		channels := newTable(w, "Channel", "Long name", "Users", "Connections", "History", "Last active")
		names := make([]string, 0, len(server.Channels))
		for name := range server.Channels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ch := server.Channels[name]
			channels.Append([]string{
				ch.Name,
				ch.LongName,
				strconv.Itoa(ch.TotalUsers),
				strconv.Itoa(ch.TotalConnections),
				strconv.Itoa(len(ch.History)),
				ch.LastActive.Format(time.RFC3339),
			})
		}
		channels.Render()

		users := newTable(w, "User", "Connections", "Public state", "Last active")
		for _, u := range server.Users {
			users.Append([]string{
				u.Username,
				strings.Join(u.Connections, " "),
				formatState(u.PublicState),
				u.LastActive.Format(time.RFC3339),
			})
		}
		users.Render()
	}
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func formatState(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, state[k]))
	}
	return strings.Join(parts, " ")
}
