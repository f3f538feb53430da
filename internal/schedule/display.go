package schedule

import (
	"fmt"
	"io"
	"time"
)

// WriteSchedule prints the airing episode and the ones coming up.
func WriteSchedule(w io.Writer, eps []Episode, now time.Time) error {
	for _, e := range eps {
		var err error
		switch {
		case e.Airing(now):
			_, err = fmt.Fprintf(w, "Now Playing: %s - %s (%s remaining)\n",
				e.LongTitle, e.LongDescription, e.End.Sub(now).Round(time.Second))
		case e.Start.After(now):
			_, err = fmt.Fprintf(w, "Coming Up: %s - %s (%s long)\n",
				e.LongTitle, e.LongDescription, e.End.Sub(e.Start).Round(time.Second))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
