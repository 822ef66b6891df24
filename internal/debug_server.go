package internal

import (
	"log/slog"
	"net"
	"peer-chat/repositories"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

type InspectRow struct {
	Key       string `json:"key"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

type StatsProvider func() map[string]any

type PageData struct {
	Prefix string         `json:"prefix"`
	Items  []InspectRow   `json:"items"`
	Stats  map[string]any `json:"stats"`
}

// DebugServer exposes the stored transcripts and live session states as JSON.
type DebugServer struct {
	app *fiber.App
	log *slog.Logger
}

func NewDebugServer(transcripts *repositories.TranscriptRepository, stats StatsProvider, log *slog.Logger) *DebugServer {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/inspect", func(c *fiber.Ctx) error {
		prefix := c.Query("prefix")
		rows, err := transcripts.Rows(prefix)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		data := PageData{
			Prefix: prefix,
			Items:  lo.Map(rows, func(row repositories.Row, _ int) InspectRow { return toInspectRow(row) }),
			Stats:  map[string]any{},
		}
		if stats != nil {
			data.Stats = stats()
		}
		return c.JSON(data)
	})
	return &DebugServer{app: app, log: log}
}

// Start serves on listener in the background.
func (d *DebugServer) Start(listener net.Listener) {
	d.log.Info("Debug server listening", "address", listener.Addr().String())
	go func() {
		if err := d.app.Listener(listener); err != nil {
			d.log.Warn("Debug server stopped", "error", err)
		}
	}()
}

func (d *DebugServer) Shutdown() error {
	return d.app.Shutdown()
}

func (d *DebugServer) handler() *fiber.App {
	return d.app
}

func toInspectRow(row repositories.Row) InspectRow {
	return InspectRow{
		Key:       row.Key,
		Sender:    row.Message.SenderID,
		Timestamp: row.Message.Timestamp.Format(time.TimeOnly),
		Text:      row.Message.Text,
	}
}
