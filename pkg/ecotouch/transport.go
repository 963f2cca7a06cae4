package ecotouch

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTagsPerRequest is the historical per request address limit
	DefaultTagsPerRequest = 10
	// MaxTagsPerRequest is the largest batch the devices accept
	MaxTagsPerRequest = 75
	// DefaultTimeout applies to every single HTTP request
	DefaultTimeout = 10 * time.Second
)

// Transport talks to one device. All calls on a Transport are serialized.
type Transport interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Read(ctx context.Context, tags []*Tag) (map[*Tag]TagResult, error)
	Write(ctx context.Context, values []TagValue) (map[*Tag]TagResult, error)
	SetTagsPerRequest(n int)
	// Pruned lists the bitfield addresses removed for this connection
	Pruned() []Address
}

// httpSession is the plumbing shared by both protocol families
type httpSession struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	// cmdLock serializes whole batches, the protocol has no request ids
	cmdLock sync.Mutex

	tagsPerRequest int
	overlay        *pruneOverlay
}

func newHTTPSession(baseURL string, client *http.Client, timeout time.Duration, r *Registry) httpSession {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return httpSession{
		baseURL:        normalizeBaseURL(baseURL),
		client:         client,
		timeout:        timeout,
		tagsPerRequest: DefaultTagsPerRequest,
		overlay:        newPruneOverlay(r),
	}
}

func normalizeBaseURL(s string) string {
	s = strings.TrimRight(s, "/")
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return s
}

// SetTagsPerRequest sets the chunk size, clamped to 1..MaxTagsPerRequest
func (s *httpSession) SetTagsPerRequest(n int) {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()
	switch {
	case n < 1:
		n = DefaultTagsPerRequest
	case n > MaxTagsPerRequest:
		log.Warnf("%v tags per request exceeds the protocol maximum, using %v", n, MaxTagsPerRequest)
		n = MaxTagsPerRequest
	}
	s.tagsPerRequest = n
}

func (s *httpSession) Pruned() []Address {
	return s.overlay.Pruned()
}

// get issues one GET request with a raw, already escaped query
func (s *httpSession) get(ctx context.Context, path, rawQuery string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u := s.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrapf(err, "building request for %s", path)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", errors.Wrapf(ErrTimeout, "GET %s", path)
		}
		return "", &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &HTTPError{StatusCode: resp.StatusCode, URL: s.baseURL + path}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return "", errors.Wrapf(ErrTimeout, "reading %s", path)
		}
		return "", &TransportError{Op: "reading " + path, Err: err}
	}
	return string(b), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// chunk splits addrs into slices of at most n addresses
func chunk(addrs []Address, n int) [][]Address {
	if n < 1 {
		n = DefaultTagsPerRequest
	}
	var chunks [][]Address
	for len(addrs) > n {
		chunks = append(chunks, addrs[:n:n])
		addrs = addrs[n:]
	}
	if len(addrs) > 0 {
		chunks = append(chunks, addrs)
	}
	return chunks
}

// encodeValues merges the raw writes of all pairs. Later pairs win on shared addresses.
func encodeValues(values []TagValue) (map[Address]string, []*Tag, error) {
	raw := make(map[Address]string)
	tags := make([]*Tag, 0, len(values))
	for _, tv := range values {
		if !tv.Tag.Writeable {
			return nil, nil, readOnlyError(tv.Tag.Name)
		}
		if err := tv.Tag.Codec.Encode(tv.Tag, tv.Value, raw); err != nil {
			return nil, nil, errors.Wrapf(err, "encoding %s", tv.Tag.Name)
		}
		tags = append(tags, tv.Tag)
	}
	return raw, tags, nil
}

// decodeTags turns per address results into per tag results.
// The status of a tag is the status of its first answered address.
// Decode errors are logged and leave the value empty, other tags are unaffected.
func decodeTags(tags []*Tag, raws map[Address]RawResult, fields log.Fields) map[*Tag]TagResult {
	res := make(map[*Tag]TagResult, len(tags))
	for _, t := range tags {
		vals := make([]*string, len(t.Addresses))
		var status Status
		for i, a := range t.Addresses {
			r, ok := raws[a]
			if !ok {
				continue
			}
			if status == "" {
				status = r.Status
			}
			if r.Status == StatusOK {
				vals[i] = r.Value
			}
		}
		if status == "" {
			status = StatusNotFound
		}
		if status == StatusInactive {
			res[t] = TagResult{Status: status}
			continue
		}
		v, err := t.Codec.Decode(t, vals)
		if err != nil {
			log.WithFields(fields).Errorf("Decoding %v: %v", t.Name, err)
			v = nil
		}
		res[t] = TagResult{Value: v, Status: status}
	}
	return res
}

// verifyWrite compares what was requested with what the device reports after the write.
// Mismatches are logged, the device value is what the caller gets.
func verifyWrite(values []TagValue, res map[*Tag]TagResult, fields log.Fields) int {
	mismatches := 0
	for _, tv := range values {
		got, ok := res[tv.Tag]
		if !ok || !sameValue(tv.Tag, tv.Value, got.Value) {
			log.WithFields(fields).Errorf("Value mismatch after writing %v: requested %v, device reports %v (%v)", tv.Tag.Name, tv.Value, got.Value, got.Status)
			mismatches++
		}
	}
	return mismatches
}

func sameValue(t *Tag, want, got interface{}) bool {
	if got == nil {
		return want == nil
	}
	switch g := got.(type) {
	case float64:
		w, err := toFloat(want)
		if err != nil {
			return false
		}
		if len(t.Addresses) == 2 {
			return float32(w) == float32(g)
		}
		return math.Abs(w-g) < 1e-6
	case int:
		w, err := toInt(want)
		if t.CodecName == "year" && w < 2000 {
			w += 2000
		}
		return err == nil && w == g
	case bool:
		w, err := toBool(want)
		return err == nil && w == g
	case string:
		if w, ok := want.(string); ok {
			return strings.EqualFold(w, g)
		}
		// enum written by index
		raw := make(map[Address]string)
		if err := t.Codec.Encode(t, want, raw); err != nil {
			return false
		}
		dec, err := t.Codec.Decode(t, []*string{stringPtr(raw[t.Addresses[0]])})
		return err == nil && dec == g
	case time.Time:
		w, err := toTime(want)
		if err != nil {
			return false
		}
		if isEndOfDayTime(w) {
			w = time.Date(w.Year(), w.Month(), w.Day()+1, 0, 0, 0, 0, w.Location())
		}
		if len(t.Addresses) < 6 {
			w = w.Truncate(time.Minute)
		}
		return w.Truncate(time.Second).Equal(g)
	case TimeOfDay:
		w, err := toTimeOfDay(want)
		if err != nil {
			return false
		}
		w = w.Normalize()
		return w.Hour == g.Hour && w.Minute == g.Minute
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

func stringPtr(s string) *string {
	return &s
}
