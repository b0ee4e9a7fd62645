package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput is returned for a report body that cannot be stored.
var ErrInvalidInput = errors.New("invalid record input")

// DateLayout is the calendar-date format used on the wire and in date columns.
const DateLayout = "2006-01-02"

// Input is a submitted report form. Data holds the complete form; the indexed fields are
// extracted from it.
type Input struct {
	SamplingDate *time.Time
	AnalysisDate *time.Time
	SampleNumber string
	Data         json.RawMessage
}

// Record is a stored report.
type Record struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"userId"`
	SamplingDate string          `json:"samplingDate,omitempty"`
	AnalysisDate string          `json:"analysisDate,omitempty"`
	SampleNumber string          `json:"sampleNumber,omitempty"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Summary is the list view of a report.
type Summary struct {
	ID           int64  `json:"id"`
	Date         string `json:"date"`
	UserID       string `json:"userId"`
	SampleNumber string `json:"sampleNumber"`
}

// form lists the keys the lab forms use for the indexed fields.
type form struct {
	Date         string          `json:"date"`
	SamplingDate string          `json:"samplingDate"`
	AnalysisDate string          `json:"analysisDate"`
	SampleNumber json.RawMessage `json:"sampleNumber"`
}

// ParseInput validates a JSON report form.
func ParseInput(body []byte) (Input, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Input{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidInput)
	}
	var f form
	if err := json.Unmarshal(body, &f); err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	sampling := f.SamplingDate
	if sampling == "" {
		sampling = f.Date
	}
	in := Input{Data: json.RawMessage(body), SampleNumber: sampleNumber(f.SampleNumber)}

	var err error
	if in.SamplingDate, err = optionalDate("samplingDate", sampling); err != nil {
		return Input{}, err
	}
	if in.AnalysisDate, err = optionalDate("analysisDate", f.AnalysisDate); err != nil {
		return Input{}, err
	}
	return in, nil
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp and returns the calendar date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

func optionalDate(field, s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: invalid date %q", ErrInvalidInput, field, s)
	}
	return &t, nil
}

// sampleNumber accepts the string or numeric form some lab forms send.
func sampleNumber(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}
