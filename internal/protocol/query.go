package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format of dateFrom/dateTo.
const DateLayout = "2006-01-02"

// QueryTypeUnknown is the queryType token the backend uses when it did not
// understand a message.
const QueryTypeUnknown = "UNKNOWN"

var ErrMalformedReply = errors.New("malformed reply")

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(raw string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Query is the outbound payload sent on both transports.
type Query struct {
	Message    string `json:"message"`
	SessionID  string `json:"sessionId"`
	DateFrom   *Date  `json:"dateFrom"`
	DateTo     *Date  `json:"dateTo"`
	DispatchID string `json:"dispatchId,omitempty"`
}

// Visitor is one attached record of a reply.
type Visitor struct {
	ID           int64  `json:"id,omitempty"`
	Nom          string `json:"nom"`
	Prenom       string `json:"prenom"`
	CIN          string `json:"cin"`
	TypeVisiteur string `json:"typeVisiteur,omitempty"`
	DateEntree   string `json:"dateEntree,omitempty"`
	DateSortie   string `json:"dateSortie,omitempty"`
}

// Confidence accepts either a number or a string ("HIGH", "0.8"). It is
// informational only.
type Confidence struct {
	Value float64
	Label string
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	if c.Label != "" {
		return json.Marshal(c.Label)
	}
	return json.Marshal(c.Value)
}

func (c *Confidence) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*c = Confidence{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			*c = Confidence{Value: v}
			return nil
		}
		*c = Confidence{Label: s}
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*c = Confidence{Value: v}
	return nil
}

// Reply is the inbound payload returned by either transport.
type Reply struct {
	Response    string         `json:"response"`
	SessionID   string         `json:"sessionId,omitempty"`
	DispatchID  string         `json:"dispatchId,omitempty"`
	QueryType   string         `json:"queryType"`
	Confidence  Confidence     `json:"confidence"`
	Suggestions []string       `json:"suggestions"`
	Visitors    []Visitor      `json:"visitors"`
	Analytics   map[string]any `json:"analytics"`
}

func (r Reply) NotUnderstood() bool {
	return strings.TrimSpace(r.QueryType) == QueryTypeUnknown
}

// ParseReply decodes and validates a reply body.
func ParseReply(raw []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if err := reply.Validate(); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (r Reply) Validate() error {
	if strings.TrimSpace(r.Response) == "" {
		return fmt.Errorf("%w: missing response", ErrMalformedReply)
	}
	if strings.TrimSpace(r.QueryType) == "" {
		return fmt.Errorf("%w: missing queryType", ErrMalformedReply)
	}
	return nil
}
