package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"misp-taxii-forwarder/internal/model"
)

// parseEventID accepts MISP's quoted decimal ids as well as bare numbers.
func parseEventID(v any) (model.EventID, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("event id %v is not an integer", t)
		}
		return model.EventID(int64(t)), nil
	case nil:
		return 0, fmt.Errorf("event id missing")
	default:
		s = fmt.Sprint(t)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event id %q: %w", s, err)
	}
	return model.EventID(n), nil
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
