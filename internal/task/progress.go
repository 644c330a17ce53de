package task

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// fetchEvent turns a numeric fetch sample into a progress event such as
// "Downloading: 42.0% | 10 MB of 24 MB at 1.2 MB/s | ETA: 00:12".
func fetchEvent(s ProgressSample) ProgressEvent {
	var percent float64
	if s.Total > 0 {
		percent = float64(s.Done) / float64(s.Total) * 100
	}

	total := "?"
	if s.Total > 0 {
		total = humanize.Bytes(uint64(s.Total))
	}
	speed := ""
	if s.Rate > 0 {
		speed = humanize.Bytes(uint64(s.Rate)) + "/s"
	}

	msg := fmt.Sprintf("Downloading: %.1f%% | %s of %s", percent, humanize.Bytes(uint64(max(s.Done, 0))), total)
	if speed != "" {
		msg += " at " + speed
	}
	if s.ETA > 0 {
		msg += " | ETA: " + FormatETA(s.ETA)
	}

	return ProgressEvent{
		Kind:    EventProgress,
		Stage:   StateFetching,
		Message: msg,
		Percent: percent,
		Speed:   speed,
		ETA:     s.ETA,
	}
}

// FormatETA renders a duration as mm:ss, or h:mm:ss past one hour.
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
