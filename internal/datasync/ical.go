package datasync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/pkg/types"
)

// ICalSource pulls VEVENTs from an iCalendar feed over HTTP. The property
// set is fixed; the event uid is the identity.
type ICalSource struct {
	url    string
	client *http.Client
}

// NewICalSource builds a source for the feed at url.
func NewICalSource(cfg map[string]string) (Source, error) {
	url := cfg["url"]
	if url == "" {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "ical source needs a url", nil)
	}
	return &ICalSource{url: url, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (s *ICalSource) Type() string { return "ical" }

func (s *ICalSource) Properties(ctx context.Context) ([]Property, error) {
	return []Property{
		{Key: "uid", Name: "UID", Kind: types.KindText, UniquePrimary: true},
		{Key: "summary", Name: "Summary", Kind: types.KindText},
		{Key: "description", Name: "Description", Kind: types.KindLongText},
		{Key: "location", Name: "Location", Kind: types.KindText},
		{Key: "dtstart", Name: "Start", Kind: types.KindDate},
		{Key: "dtend", Name: "End", Kind: types.KindDate},
	}, nil
}

func (s *ICalSource) AllRows(ctx context.Context) ([]SourceRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable,
			fmt.Sprintf("building request for %s", s.url), err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable,
			fmt.Sprintf("fetching %s", s.url), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable,
			fmt.Sprintf("fetching %s: status %d", s.url, resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable,
			fmt.Sprintf("reading %s", s.url), err)
	}
	return parseICal(string(body))
}

// parseICal extracts VEVENT blocks. Lines starting with whitespace are
// continuations of the previous line (RFC 5545 folding).
func parseICal(data string) ([]SourceRow, error) {
	raw := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	var lines []string
	for _, line := range raw {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}

	var rows []SourceRow
	var event SourceRow
	sawCalendar := false
	for _, line := range lines {
		name, value, ok := splitICalLine(line)
		if !ok {
			continue
		}
		switch name {
		case "BEGIN":
			if value == "VCALENDAR" {
				sawCalendar = true
			}
			if value == "VEVENT" {
				event = make(SourceRow)
			}
		case "END":
			if value == "VEVENT" && event != nil {
				if uid, ok := event["uid"]; ok && !uid.IsNull() {
					rows = append(rows, event)
				}
				event = nil
			}
		default:
			if event == nil {
				continue
			}
			switch name {
			case "UID":
				event["uid"] = types.String(value)
			case "SUMMARY":
				event["summary"] = types.String(unescapeICal(value))
			case "DESCRIPTION":
				event["description"] = types.String(unescapeICal(value))
			case "LOCATION":
				event["location"] = types.String(unescapeICal(value))
			case "DTSTART":
				event["dtstart"] = parseICalTime(value)
			case "DTEND":
				event["dtend"] = parseICalTime(value)
			}
		}
	}
	if !sawCalendar {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload,
			"feed is not an iCalendar document", nil)
	}
	return rows, nil
}

// splitICalLine separates NAME;PARAMS:VALUE into name and value, dropping
// the parameters.
func splitICalLine(line string) (name, value string, ok bool) {
	i := strings.Index(line, ":")
	if i < 0 {
		return "", "", false
	}
	name, value = line[:i], line[i+1:]
	if j := strings.Index(name, ";"); j >= 0 {
		name = name[:j]
	}
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, value, true
}

func unescapeICal(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}

var icalTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

func parseICalTime(s string) types.Value {
	for _, layout := range icalTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return types.Date(t.UTC())
		}
	}
	return types.Null()
}
