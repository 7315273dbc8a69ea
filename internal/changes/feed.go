// Package changes reads the registry's ordered change log, a CouchDB
// continuous _changes feed.
package changes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"basegraph.app/observer/internal/model"
)

// Feed opens the change log at a position.
type Feed interface {
	// Since streams events with a sequence greater than seq.
	Since(ctx context.Context, seq int64) (Stream, error)
}

// Stream yields events in log order. Next returns io.EOF when the server
// ends the feed; the caller reconnects from its cursor. Reads are bound to
// the context passed to Since.
type Stream interface {
	Next() (model.ChangeEvent, error)
	Close() error
}

type CouchFeed struct {
	baseURL   string
	heartbeat time.Duration
	client    *http.Client
}

// NewCouchFeed returns a feed for the database at baseURL
// (e.g. https://replicate.npmjs.com/registry).
func NewCouchFeed(baseURL string, heartbeat time.Duration, client *http.Client) *CouchFeed {
	if client == nil {
		// No overall timeout: the feed is a long-lived response.
		client = &http.Client{}
	}
	return &CouchFeed{
		baseURL:   strings.TrimRight(baseURL, "/"),
		heartbeat: heartbeat,
		client:    client,
	}
}

func (f *CouchFeed) Since(ctx context.Context, seq int64) (Stream, error) {
	q := url.Values{}
	q.Set("feed", "continuous")
	q.Set("since", strconv.FormatInt(seq, 10))
	q.Set("style", "main_only")
	if f.heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(f.heartbeat.Milliseconds(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/_changes?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building changes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting changes feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("changes feed returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &couchStream{body: resp.Body, scanner: scanner}, nil
}

type couchStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	LastSeq json.RawMessage `json:"last_seq"`
}

func (s *couchStream) Next() (model.ChangeEvent, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			// heartbeat
			continue
		}

		var row changeRow
		if err := json.Unmarshal(line, &row); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("decoding change row: %w", err)
		}
		if len(row.LastSeq) > 0 {
			return model.ChangeEvent{}, io.EOF
		}

		seq, err := ParseSeq(row.Seq)
		if err != nil {
			return model.ChangeEvent{}, err
		}

		return model.ChangeEvent{
			Seq:  seq,
			Name: row.ID,
			Kind: kindOf(row),
		}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("reading changes feed: %w", err)
	}
	return model.ChangeEvent{}, io.EOF
}

func (s *couchStream) Close() error {
	return s.body.Close()
}

func kindOf(row changeRow) model.ChangeKind {
	if row.Deleted {
		return model.ChangeDeleted
	}
	if len(row.Changes) > 0 && strings.HasPrefix(row.Changes[0].Rev, "1-") {
		return model.ChangeCreated
	}
	return model.ChangeUpdated
}

// ParseSeq accepts numeric sequences (CouchDB 1.x) and "<n>-<token>" strings
// (CouchDB 2.x and later), keeping the numeric prefix.
func ParseSeq(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, fmt.Errorf("change row has no seq")
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("decoding seq %s: %w", text, err)
		}
		text, _, _ = strings.Cut(s, "-")
	}
	seq, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing seq %q: %w", text, err)
	}
	return seq, nil
}
