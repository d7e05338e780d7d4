package catalog

import "time"

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
