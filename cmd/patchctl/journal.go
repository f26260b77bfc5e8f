package main

import (
	"errors"
	"fmt"

	"github.com/chazu/patchpoint/journal"
)

// handleJournalCommand processes the `patchctl journal <file>` subcommand.
func handleJournalCommand(args []string) error {
	if len(args) != 1 {
		return errors.New("journal requires exactly one file argument")
	}
	events, err := journal.ReadFile(args[0])
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Println(e)
	}
	fmt.Printf("%d events\n", len(events))
	return nil
}
