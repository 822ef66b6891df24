package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"peer-chat/repositories"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"./data/badger"`
	// INSPECT_PREFIX narrows the dump, e.g. messages_alice_bob
	Prefix string `envconfig:"INSPECT_PREFIX" default:"messages_"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	dbPath := flag.String("db", cfg.BadgerFilepath, "Path to badger DB")
	prefix := flag.String("prefix", cfg.Prefix, "Prefix to scan")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	rows, err := repositories.NewTranscriptRepository(db, slog.Default(), 0).Rows(*prefix)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Transcript", "Seq", "Timestamp", "Sender", "Text"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, row := range rows {
		transcript, seq, _ := strings.Cut(row.Key, "/")
		if n, err := strconv.ParseUint(seq, 10, 64); err == nil {
			seq = strconv.FormatUint(n, 10)
		}
		table.Append([]string{
			transcript,
			seq,
			row.Message.Timestamp.Format(time.DateTime),
			row.Message.SenderID,
			row.Message.Text,
		})
	}
	table.Render()
	fmt.Printf("%d rows\n", len(rows))
}
