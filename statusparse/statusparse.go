// Package statusparse turns the text printed by `systemctl status` into
// models.ServiceStatus values.
//
// A block is recognized by a fixed line order: a header line starting with a
// state glyph, a Loaded: line and an Active: line. Trigger:, Triggers: and
// Docs: lines may follow in that order. Blocks that do not start with those
// three lines (targets, devices, unknown units) parse to the all-nil
// sentinel.
package statusparse

import (
	"regexp"
	"strings"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

const glyphs = `●○×↻*✗`

var (
	headerLine   = regexp.MustCompile(`^\s*[` + glyphs + `]\s+(\S+)\s+-\s+(.+?)\s*$`)
	blockStart   = regexp.MustCompile(`^[` + glyphs + `]\s+\S`)
	loadedLine   = regexp.MustCompile(`^\s+Loaded:\s+(\S+)\s+\(([^;)]+)(?:;\s*([^;)\s]+))?(?:;\s*(?:vendor\s+)?preset:\s*([^;)\s]+))?\)`)
	activeLine   = regexp.MustCompile(`^\s+Active:\s+(\S+)\s+\(([^)]+)\)`)
	triggerLine  = regexp.MustCompile(`^\s+Trigger:\s+(.+?)\s*$`)
	triggersLine = regexp.MustCompile(`^\s*(?:Triggers|TriggeredBy):\s+[` + glyphs + `]\s+(.+?)\s*$`)
	docsLine     = regexp.MustCompile(`^\s+Docs:\s+(.+?)\s*$`)
	labelLine    = regexp.MustCompile(`^\s+[A-Z][A-Za-z ]*:\s`)
)

const docsIndent = 7

// stages of the optional tail, in the order they may appear
const (
	stageTrigger = iota
	stageTriggers
	stageDocs
	stageDone
)

// Parse parses one status block. It never fails; input that does not have
// the shape of a service report yields the sentinel.
func Parse(input string) models.ServiceStatus {
	lines := splitLines(input)
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) < 3 {
		return models.ServiceStatus{}
	}

	header := headerLine.FindStringSubmatch(lines[0])
	loaded := loadedLine.FindStringSubmatch(lines[1])
	active := activeLine.FindStringSubmatch(lines[2])
	if header == nil || loaded == nil || active == nil {
		return models.ServiceStatus{}
	}

	status := models.ServiceStatus{
		Name:           optional(header[1]),
		Description:    optional(header[2]),
		LoadedStatus:   optional(loaded[1]),
		UnitFilePath:   optional(strings.TrimSpace(loaded[2])),
		EnabledState:   optional(loaded[3]),
		Preset:         optional(loaded[4]),
		ActiveState:    optional(active[1]),
		ActiveSubstate: optional(active[2]),
	}

	stage := stageTrigger
	rest := lines[3:]
	for i := 0; i < len(rest) && stage < stageDone; i++ {
		line := rest[i]
		if strings.TrimSpace(line) == "" {
			break
		}

		if stage <= stageTrigger {
			if m := triggerLine.FindStringSubmatch(line); m != nil {
				status.Trigger = optional(m[1])
				stage = stageTriggers
				continue
			}
		}
		if stage <= stageTriggers {
			if m := triggersLine.FindStringSubmatch(line); m != nil {
				status.Triggers = optional(m[1])
				stage = stageDocs
				continue
			}
		}
		if m := docsLine.FindStringSubmatch(line); m != nil {
			docs := []string{m[1]}
			for i+1 < len(rest) && isDocsContinuation(rest[i+1]) {
				i++
				docs = append(docs, strings.TrimSpace(rest[i]))
			}
			status.Docs = optional(strings.Join(docs, "\n"))
			stage = stageDone
		}
	}

	return status
}

// ParseAll splits the output of `systemctl status --all` into blocks and
// parses each, dropping sentinels.
func ParseAll(input string) []models.ServiceStatus {
	var out []models.ServiceStatus
	for _, block := range SplitBlocks(input) {
		if status := Parse(block); !status.IsSentinel() {
			out = append(out, status)
		}
	}
	return out
}

// SplitBlocks cuts input at every header line that starts in column zero.
func SplitBlocks(input string) []string {
	var (
		blocks  []string
		current []string
	)
	for _, line := range splitLines(input) {
		if blockStart.MatchString(line) && len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
		if len(current) == 0 && !blockStart.MatchString(line) {
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}
	return blocks
}

func isDocsContinuation(line string) bool {
	indent := len(line) - len(strings.TrimLeft(line, " "))
	if indent < docsIndent || strings.TrimSpace(line) == "" {
		return false
	}
	return !labelLine.MatchString(line)
}

func splitLines(input string) []string {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	return strings.Split(input, "\n")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
