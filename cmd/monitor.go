package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/urfave/cli/v2"
)

func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:    "monitor",
		Aliases: []string{"m"},
		Usage:   "Terminal dashboard over a running server's stats endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://localhost:8080",
				Usage: "Base URL of the server to watch",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runMonitor(c.String("addr"), c.Duration("interval"))
		},
	}
}

func runMonitor(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("monitor init: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = ServiceName
	header.Text = "connecting..."
	header.SetRect(0, 0, 60, 3)

	table := widgets.NewTable()
	table.Title = "delivery"
	table.RowSeparator = false
	table.SetRect(0, 3, 60, 12)
	table.Rows = [][]string{{"metric", "value"}}

	spark := widgets.NewSparkline()
	spark.LineColor = ui.ColorGreen
	sparkGroup := widgets.NewSparklineGroup(spark)
	sparkGroup.Title = "delivered/interval"
	sparkGroup.SetRect(0, 12, 60, 18)

	client := &http.Client{Timeout: interval}
	var lastDelivered uint64
	var history []float64

	refresh := func() {
		stats, err := fetchStats(client, addr)
		if err != nil {
			header.Text = fmt.Sprintf("UNREACHABLE: %v", err)
			ui.Render(header)
			return
		}

		header.Text = fmt.Sprintf("sessions: %d   uptime: %s", stats.ActiveSessions, stats.Uptime)
		table.Rows = [][]string{
			{"metric", "value"},
			{"envelopes queued", fmt.Sprintf("%d", stats.EnvelopesQueued)},
			{"envelopes delivered", fmt.Sprintf("%d", stats.EnvelopesDelivered)},
			{"pushes dispatched", fmt.Sprintf("%d", stats.PushesDispatched)},
			{"fallbacks expired", fmt.Sprintf("%d", stats.FallbacksExpired)},
			{"receipts sent", fmt.Sprintf("%d", stats.ReceiptsSent)},
		}

		delta := stats.EnvelopesDelivered - lastDelivered
		if lastDelivered == 0 {
			delta = 0
		}
		lastDelivered = stats.EnvelopesDelivered
		history = append(history, float64(delta))
		if len(history) > 56 {
			history = history[len(history)-56:]
		}
		spark.Data = history

		ui.Render(header, table, sparkGroup)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case e := <-events:
			if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
				return nil
			}
			if e.Type == ui.ResizeEvent {
				ui.Clear()
				refresh()
			}
		case <-ticker.C:
			refresh()
		}
	}
}

func fetchStats(client *http.Client, addr string) (model.HubStats, error) {
	var stats model.HubStats
	resp, err := client.Get(addr + "/v1/stats")
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, err
	}
	return stats, nil
}
