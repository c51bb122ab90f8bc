package chess

import (
	"fmt"
	"strings"
	"time"
)

// PGNHeaders carries the tag pairs written ahead of the move text.
type PGNHeaders struct {
	Event       string
	Site        string
	Date        time.Time
	White       string
	Black       string
	Result      string
	Termination string
	StartFEN    string
}

// BuildPGN renders SAN moves with move numbers and the result token.
func BuildPGN(h PGNHeaders, movesSAN []string) string {
	var b strings.Builder
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}
	result := strings.TrimSpace(h.Result)
	if result == "" {
		result = "*"
	}
	b.WriteString(fmt.Sprintf("[Event \"%s\"]\n", sanitizePGN(defaultString(h.Event, "Casual game"))))
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(defaultString(h.Site, "?"))))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(defaultString(h.White, "?"))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(defaultString(h.Black, "?"))))
	if fen := strings.TrimSpace(h.StartFEN); fen != "" && fen != "startpos" {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(fen)))
	}
	if t := strings.TrimSpace(h.Termination); t != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(t)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(movesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(movesSAN[i])))
		if i+1 < len(movesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(movesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
