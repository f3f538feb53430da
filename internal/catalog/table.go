package catalog

import (
	"fmt"
	"io"
)

// WriteTable prints channels as an aligned "ID | Num | Name" table in the
// order given.
func WriteTable(w io.Writer, channels []Channel) error {
	idW, numW := len("ID"), len("Num")
	for _, c := range channels {
		idW = max(idW, len(c.ChannelID))
		numW = max(numW, len(numberOr(c)))
	}
	if _, err := fmt.Fprintf(w, "%-*s | %-*s | %s\n", idW, "ID", numW, "Num", "Name"); err != nil {
		return err
	}
	for _, c := range channels {
		if _, err := fmt.Fprintf(w, "%-*s | %-*s | %s\n", idW, c.ChannelID, numW, numberOr(c), c.Name); err != nil {
			return err
		}
	}
	return nil
}

func numberOr(c Channel) string {
	if c.Number == "" {
		return "??"
	}
	return c.Number
}
