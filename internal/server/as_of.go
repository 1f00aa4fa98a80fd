package server

import (
	"strings"
	"time"
)

const asOfLayout = "2006-01-02"

func isDate(raw string) bool {
	_, err := time.Parse(asOfLayout, strings.TrimSpace(raw))
	return err == nil
}
